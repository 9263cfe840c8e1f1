package capability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/signoff/model"
)

// StaticPolicyEvaluator grants capabilities per role from a YAML file of the
// form
//
//	roles:
//	  client: [subject:view, proposal:decide]
//	  admin:  ["proposal:*"]
//
// Every entry must name, or match by wildcard, a capability the engine
// checks; a typo fails the load instead of silently granting nothing.
type StaticPolicyEvaluator struct {
	path string

	mu    sync.RWMutex
	roles map[string]model.CapabilitySet
}

// NewStaticPolicyEvaluator loads the policy file at path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if _, err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewStaticPolicy builds an evaluator from an in-memory role map. Entries
// are not checked against the known capabilities.
func NewStaticPolicy(roles map[string][]string) *StaticPolicyEvaluator {
	return &StaticPolicyEvaluator{roles: compile(roles)}
}

// ResolveCapabilities returns the union of the capabilities of the caller's
// roles. Unknown roles grant nothing.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for c := range e.roles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Reload rereads the policy file and returns the number of roles it
// defines. On error the previous policy stays in force.
func (e *StaticPolicyEvaluator) Reload() (int, error) {
	if e.path == "" {
		return e.roleCount(), nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return 0, fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var file struct {
		Roles map[string][]string `yaml:"roles"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}
	if err := check(file.Roles); err != nil {
		return 0, fmt.Errorf("capability: policy file %s: %w", e.path, err)
	}

	e.mu.Lock()
	e.roles = compile(file.Roles)
	e.mu.Unlock()
	return len(file.Roles), nil
}

// HealthCheck fails when no role is defined.
func (e *StaticPolicyEvaluator) HealthCheck(context.Context) error {
	if e.roleCount() == 0 {
		return errors.New("capability: policy defines no roles")
	}
	return nil
}

func (e *StaticPolicyEvaluator) roleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.roles)
}

func check(roles map[string][]string) error {
	var bad []string
	for role, caps := range roles {
		for _, c := range caps {
			if !model.KnownCapability(c) {
				bad = append(bad, role+": "+c)
			}
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return fmt.Errorf("unknown capabilities (%s)", strings.Join(bad, "; "))
}

func compile(roles map[string][]string) map[string]model.CapabilitySet {
	out := make(map[string]model.CapabilitySet, len(roles))
	for role, caps := range roles {
		set := make(model.CapabilitySet, len(caps))
		for _, c := range caps {
			set[c] = true
		}
		out[role] = set
	}
	return out
}
