package settlement

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/settld/pkg/errs"
)

// PolicyRegistry holds every known version of every policy.
type PolicyRegistry struct {
	mu       sync.RWMutex
	policies map[string][]Policy
}

// NewPolicyRegistry returns a registry holding DefaultPolicy.
func NewPolicyRegistry() *PolicyRegistry {
	r := &PolicyRegistry{policies: make(map[string][]Policy)}
	_ = r.Register(DefaultPolicy())
	return r
}

// Register adds p. Registering an existing id and version replaces it.
func (r *PolicyRegistry) Register(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.AutoReleaseCondition != "" {
		if err := CheckCondition(p.AutoReleaseCondition); err != nil {
			return fmt.Errorf("policy %s@%s: %w", p.PolicyID, p.Version, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.policies[p.PolicyID]
	for i, existing := range versions {
		if existing.Version == p.Version {
			versions[i] = p
			return nil
		}
	}
	versions = append(versions, p)
	sort.Slice(versions, func(i, j int) bool {
		return semver.MustParse(versions[i].Version).LessThan(semver.MustParse(versions[j].Version))
	})
	r.policies[p.PolicyID] = versions
	return nil
}

// Resolve returns the highest version of policyID satisfying constraint.
// An empty constraint selects the latest version.
func (r *PolicyRegistry) Resolve(policyID, constraint string) (Policy, error) {
	if policyID == "" {
		policyID = DefaultPolicyID
	}
	r.mu.RLock()
	versions := r.policies[policyID]
	r.mu.RUnlock()
	if len(versions) == 0 {
		return Policy{}, errs.Validation("unknown settlement policy %q", policyID)
	}
	if constraint == "" {
		return versions[len(versions)-1], nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return Policy{}, errs.Validation("invalid policy version constraint %q: %v", constraint, err)
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if c.Check(semver.MustParse(versions[i].Version)) {
			return versions[i], nil
		}
	}
	return Policy{}, errs.Validation("no version of policy %q satisfies %q", policyID, constraint)
}

// Exact returns the policy bound by id and version.
func (r *PolicyRegistry) Exact(policyID, version string) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.policies[policyID] {
		if p.Version == version {
			return p, nil
		}
	}
	return Policy{}, errs.NotFound("policy %s@%s not registered", policyID, version)
}

// List returns every registered policy version.
func (r *PolicyRegistry) List() []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.policies))
	for id := range r.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []Policy
	for _, id := range ids {
		out = append(out, r.policies[id]...)
	}
	return out
}

// policyFile is the YAML layout: either one policy or a list under "policies".
type policyFile struct {
	Policy   `yaml:",inline"`
	Policies []Policy `yaml:"policies"`
}

// LoadDir registers every *.yaml / *.yml policy file in dir.
func (r *PolicyRegistry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read policy dir %q: %w", dir, err)
	}
	loaded := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return loaded, fmt.Errorf("load policy %q: %w", name, err)
		}
		var f policyFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return loaded, fmt.Errorf("parse policy %q: %w", name, err)
		}
		policies := f.Policies
		if f.Policy.PolicyID != "" {
			policies = append(policies, f.Policy)
		}
		for _, p := range policies {
			if err := r.Register(p); err != nil {
				return loaded, fmt.Errorf("policy file %q: %w", name, err)
			}
			loaded++
		}
	}
	return loaded, nil
}
