package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/patchbay-dev/patchbay/pkg/client"
	"github.com/patchbay-dev/patchbay/pkg/config"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a configuration file",
	Long: `Apply Patchbay resources from a YAML file.

A file may hold multiple resources separated by ---. Supported kinds are
Template, Service, and Gateway.

Examples:
  # Register a template
  patchbay apply -f echo-template.yaml

  # Apply a bundle of templates and scale them
  patchbay apply -f tools.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Resource is one YAML document in an apply bundle.
type Resource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ResourceMetadata `yaml:"metadata"`
	Spec       map[string]any   `yaml:"spec"`
}

type ResourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}
	defer f.Close()

	c := gatewayClient(cmd)

	dec := yaml.NewDecoder(f)
	applied := 0
	for {
		var resource Resource
		if err := dec.Decode(&resource); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to parse YAML: %v", err)
		}
		if resource.Kind == "" && resource.Spec == nil {
			continue // blank document between separators
		}

		switch resource.Kind {
		case "Template":
			err = applyTemplate(c, &resource)
		case "Service":
			err = applyService(c, &resource)
		case "Gateway":
			err = applyGateway(c, &resource)
		default:
			err = fmt.Errorf("unsupported resource kind: %s", resource.Kind)
		}
		if err != nil {
			return err
		}
		applied++
	}

	if applied == 0 {
		return fmt.Errorf("no resources found in %s", filename)
	}
	return nil
}

func applyTemplate(c *client.Client, resource *Resource) error {
	var tpl types.ServiceTemplate
	if err := decodeSpec(resource.Spec, &tpl); err != nil {
		return fmt.Errorf("invalid template spec: %v", err)
	}
	if resource.Metadata.Name != "" {
		tpl.Name = resource.Metadata.Name
	}
	if tpl.Name == "" {
		return fmt.Errorf("template name is required")
	}

	stored, created, err := c.RegisterTemplate(&tpl)
	if err != nil {
		return fmt.Errorf("failed to register template %q: %v", tpl.Name, err)
	}
	if created {
		fmt.Printf("✓ Template registered: %s (%s)\n", stored.Name, stored.Transport)
	} else {
		fmt.Printf("Template unchanged: %s (skipping)\n", stored.Name)
	}
	return nil
}

func applyService(c *client.Client, resource *Resource) error {
	template := getString(resource.Spec, "template", resource.Metadata.Name)
	replicas := getInt(resource.Spec, "replicas", 1)

	if template == "" {
		return fmt.Errorf("service template is required")
	}

	instances, err := c.ScaleTemplate(template, replicas)
	if err != nil {
		return fmt.Errorf("failed to scale %q: %v", template, err)
	}
	fmt.Printf("✓ Service scaled: %s (replicas=%d)\n", template, len(instances))
	return nil
}

func applyGateway(c *client.Client, resource *Resource) error {
	var cfg config.GatewayConfig
	if err := decodeSpec(resource.Spec, &cfg); err != nil {
		return fmt.Errorf("invalid gateway spec: %v", err)
	}

	applied, err := c.PutGatewayConfig(&cfg)
	if err != nil {
		return fmt.Errorf("failed to apply gateway config: %v", err)
	}
	fmt.Printf("✓ Gateway config applied (authMode=%s, strategy=%s)\n",
		applied.AuthMode, applied.RoutingStrategy)
	return nil
}

// decodeSpec re-marshals a YAML spec map through JSON so the target type's
// json tags apply.
func decodeSpec(spec map[string]any, v any) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Helper functions
func getString(m map[string]any, key, defaultValue string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return defaultValue
}

func getInt(m map[string]any, key string, defaultValue int) int {
	if v, ok := m[key]; ok {
		switch val := v.(type) {
		case int:
			return val
		case float64:
			return int(val)
		}
	}
	return defaultValue
}
