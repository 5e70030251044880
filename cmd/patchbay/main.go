package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/patchbay-dev/patchbay/pkg/client"
	"github.com/patchbay-dev/patchbay/pkg/sandbox"
	"github.com/patchbay-dev/patchbay/pkg/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "patchbay",
	Short: "Patchbay - local gateway for JSON-RPC tool servers",
	Long: `Patchbay launches and supervises JSON-RPC tool backends from
declarative templates, load-balances calls across instances, and fronts
everything with a single HTTP API with health monitoring and circuit
breaking built in.`,
	Version: version.Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Patchbay version %s\nCommit: %s\nBuilt: %s\n",
		version.Version, version.Commit, version.BuildTime,
	))

	rootCmd.PersistentFlags().String("gateway", "127.0.0.1:8586", "Gateway address")
	rootCmd.PersistentFlags().String("api-key", "", "API key for gateways in token auth mode")
	rootCmd.PersistentFlags().String("bearer-token", "", "Bearer token for gateways in token auth mode")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(serviceCmd)
}

// gatewayClient builds an API client from the persistent flags.
// PATCHBAY_API_KEY and PATCHBAY_BEARER_TOKEN fill in credentials when the
// flags are not set.
func gatewayClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("gateway")
	key, _ := cmd.Flags().GetString("api-key")
	token, _ := cmd.Flags().GetString("bearer-token")
	if key == "" {
		key = os.Getenv("PATCHBAY_API_KEY")
	}
	if token == "" {
		token = os.Getenv("PATCHBAY_BEARER_TOKEN")
	}

	var opts []client.Option
	if key != "" {
		opts = append(opts, client.WithAPIKey(key))
	}
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	return client.NewClient(addr, opts...)
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := gatewayClient(cmd).Health()
		if err != nil {
			return err
		}

		uptime := (time.Duration(h.UptimeMs) * time.Millisecond).Round(time.Second)
		fmt.Printf("Gateway:   %s (version %s)\n", h.Status, h.Version)
		fmt.Printf("Uptime:    %s\n", uptime)
		fmt.Printf("Templates: %d\n", h.Templates)
		fmt.Printf("Services:  %d running, %d healthy\n", h.Instances, h.Healthy)
		return nil
	},
}

// Template commands

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage service templates",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		templates, err := gatewayClient(cmd).ListTemplates()
		if err != nil {
			return err
		}
		if len(templates) == 0 {
			fmt.Println("No templates registered")
			return nil
		}

		t := newTable()
		t.AppendHeader(table.Row{"NAME", "TRANSPORT", "TARGET", "TIMEOUT"})
		for _, tpl := range templates {
			target := tpl.Command
			if tpl.URL != "" {
				target = tpl.URL
			}
			t.AppendRow(table.Row{tpl.Name, tpl.Transport, target, fmt.Sprintf("%dms", tpl.Timeout)})
		}
		t.Render()
		return nil
	},
}

var templateRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		removed, err := gatewayClient(cmd).RemoveTemplate(name)
		if err != nil {
			return err
		}
		if !removed {
			fmt.Printf("Template not found: %s\n", name)
			return nil
		}
		fmt.Printf("✓ Template removed: %s\n", name)
		return nil
	},
}

var templateScaleCmd = &cobra.Command{
	Use:   "scale NAME",
	Short: "Scale a template to a number of running instances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		replicas, _ := cmd.Flags().GetInt("replicas")

		instances, err := gatewayClient(cmd).ScaleTemplate(name, replicas)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Template scaled: %s (replicas=%d)\n", name, len(instances))
		for _, inst := range instances {
			fmt.Printf("  %s (%s)\n", inst.ID, inst.State)
		}
		return nil
	},
}

var templateDiagnoseCmd = &cobra.Command{
	Use:   "diagnose NAME",
	Short: "Dry-run the sandbox policy against a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		findings, err := gatewayClient(cmd).DiagnoseTemplate(name)
		if err != nil {
			return err
		}
		if len(findings) == 0 {
			fmt.Printf("✓ No findings for template: %s\n", name)
			return nil
		}

		errors := 0
		for _, f := range findings {
			fmt.Printf("%-8s %-26s %s\n", f.Severity, f.Code, f.Message)
			if f.Severity == sandbox.SeverityError {
				errors++
			}
		}
		if errors > 0 {
			return fmt.Errorf("%d finding(s) would block launch", errors)
		}
		return nil
	},
}

func init() {
	templateCmd.AddCommand(templateListCmd)
	templateCmd.AddCommand(templateRemoveCmd)
	templateCmd.AddCommand(templateScaleCmd)
	templateCmd.AddCommand(templateDiagnoseCmd)

	templateScaleCmd.Flags().Int("replicas", 1, "Desired number of running instances")
}

// Service commands

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage service instances",
}

var serviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List service instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		template, _ := cmd.Flags().GetString("template")
		services, err := gatewayClient(cmd).ListServices(template)
		if err != nil {
			return err
		}
		if len(services) == 0 {
			fmt.Println("No services running")
			return nil
		}

		t := newTable()
		t.AppendHeader(table.Row{"ID", "TEMPLATE", "STATE", "MODE", "AGE", "ERRORS"})
		for _, inst := range services {
			age := time.Since(inst.CreatedAt).Round(time.Second)
			t.AppendRow(table.Row{inst.ID, inst.Template.Name, inst.State, inst.Mode, age, inst.ErrorCount})
		}
		t.Render()
		return nil
	},
}

var serviceCreateCmd = &cobra.Command{
	Use:   "create TEMPLATE",
	Short: "Create a service instance from a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		template := args[0]
		envFlags, _ := cmd.Flags().GetStringArray("env")

		env := make(map[string]string, len(envFlags))
		for _, kv := range envFlags {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("invalid --env %q, expected KEY=VALUE", kv)
			}
			env[key] = value
		}

		inst, err := gatewayClient(cmd).CreateService(template, env)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Service created: %s\n", inst.ID)
		return nil
	},
}

var serviceRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Stop and remove a service instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if err := gatewayClient(cmd).RemoveService(id); err != nil {
			return err
		}
		fmt.Printf("✓ Service removed: %s\n", id)
		return nil
	},
}

var serviceLogsCmd = &cobra.Command{
	Use:   "logs ID",
	Short: "Show the captured output tail of a service instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		lines, err := gatewayClient(cmd).ServiceLogs(args[0], limit)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			fmt.Println("No log output captured")
			return nil
		}
		for _, line := range lines {
			fmt.Printf("%s [%s] %s\n", line.Time.Format("15:04:05"), line.Stream, line.Line)
		}
		return nil
	},
}

func init() {
	serviceCmd.AddCommand(serviceListCmd)
	serviceCmd.AddCommand(serviceCreateCmd)
	serviceCmd.AddCommand(serviceRemoveCmd)
	serviceCmd.AddCommand(serviceLogsCmd)

	serviceListCmd.Flags().String("template", "", "Only show instances of this template")
	serviceCreateCmd.Flags().StringArray("env", nil, "Environment override as KEY=VALUE (repeatable)")
	serviceLogsCmd.Flags().Int("limit", 50, "Maximum number of lines to show")
}
