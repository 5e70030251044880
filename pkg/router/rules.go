package router

import (
	"encoding/json"
	"sort"

	"github.com/patchbay-dev/patchbay/pkg/balancer"
	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

// Request carries the routable attributes of one incoming call. Rules may
// rewrite ServiceGroup and Strategy before selection happens.
type Request struct {
	Method       string            `json:"method"`
	Params       json.RawMessage   `json:"params,omitempty"`
	ServiceGroup string            `json:"serviceGroup,omitempty"`
	Strategy     balancer.Strategy `json:"strategy,omitempty"`
	Source       string            `json:"source,omitempty"`
}

// Rule is one routing rule. Match decides whether the rule applies;
// exactly one of Rewrite, Filter, or Pin carries its effect:
//
//   - Rewrite mutates the request (group, strategy) before selection.
//   - Filter prunes the candidate set.
//   - Pin short-circuits selection with a specific instance; returning
//     nil lets evaluation continue.
//
// Rules run in priority order, highest first; equal priorities keep
// insertion order.
type Rule struct {
	Name     string
	Priority int
	Match    func(req *Request) bool
	Rewrite  func(req *Request)
	Filter   func(req *Request, candidates []balancer.Candidate) []balancer.Candidate
	Pin      func(req *Request, candidates []balancer.Candidate) *types.ServiceInstance
}

func (r Rule) validate() error {
	if r.Name == "" {
		return errdefs.New(errdefs.CodeValidation, "rule requires a name")
	}
	if r.Match == nil {
		return errdefs.Newf(errdefs.CodeValidation, "rule %s requires a match predicate", r.Name)
	}
	actions := 0
	if r.Rewrite != nil {
		actions++
	}
	if r.Filter != nil {
		actions++
	}
	if r.Pin != nil {
		actions++
	}
	if actions != 1 {
		return errdefs.Newf(errdefs.CodeValidation, "rule %s requires exactly one action, has %d", r.Name, actions)
	}
	return nil
}

// AddRule installs a rule. Rule names are unique; installing a duplicate
// name is a conflict.
func (r *Router) AddRule(rule Rule) error {
	if err := rule.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rules {
		if existing.Name == rule.Name {
			return errdefs.Newf(errdefs.CodeConflict, "rule %s already exists", rule.Name)
		}
	}
	r.rules = append(r.rules, rule)
	sort.SliceStable(r.rules, func(i, j int) bool {
		return r.rules[i].Priority > r.rules[j].Priority
	})
	r.logger.Info().Str("rule", rule.Name).Int("priority", rule.Priority).Msg("Routing rule added")
	return nil
}

// RemoveRule uninstalls a rule by name, reporting whether it existed.
func (r *Router) RemoveRule(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rule := range r.rules {
		if rule.Name == name {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			r.logger.Info().Str("rule", name).Msg("Routing rule removed")
			return true
		}
	}
	return false
}

// ListRules returns the rules in evaluation order.
func (r *Router) ListRules() []Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Rule(nil), r.rules...)
}
