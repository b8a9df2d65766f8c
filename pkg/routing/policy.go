package routing

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Tier groups models that serve a set of tasks.
type Tier struct {
	Name   string   `yaml:"name"`
	Models []string `yaml:"models"`
	UseFor []string `yaml:"use_for"`
}

// Policy is the model-routing file, e.g.
//
//	tiers:
//	  - name: fast
//	    use_for: [plan, chat]
//	    models: [openai/gpt-4o-mini]
type Policy struct {
	Tiers []Tier `yaml:"tiers"`
}

// Source hands out the current policy. Implementations may reload it.
type Source interface {
	Policy() *Policy
}

// Policy lets a fixed *Policy act as a Source.
func (p *Policy) Policy() *Policy { return p }

// RouteModel returns the first model of the first tier that lists task in
// use_for. Without a match it falls back to the first model of the first
// tier, and returns "" when the policy has no models at all.
func (p *Policy) RouteModel(task string) string {
	if p == nil || len(p.Tiers) == 0 {
		return ""
	}
	task = strings.TrimSpace(task)
	for _, tier := range p.Tiers {
		if !contains(tier.UseFor, task) {
			continue
		}
		if len(tier.Models) > 0 {
			return tier.Models[0]
		}
	}
	if len(p.Tiers[0].Models) > 0 {
		return p.Tiers[0].Models[0]
	}
	return ""
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Parse decodes a YAML policy. An empty document yields an empty policy.
func Parse(data []byte) (*Policy, error) {
	p := &Policy{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return p, nil
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, errors.Wrap(err, "parse routing policy")
	}
	return p, nil
}

// Load reads a policy file. A missing file is not an error and yields an empty policy.
func Load(path string) (*Policy, error) {
	if strings.TrimSpace(path) == "" {
		return &Policy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Policy{}, nil
		}
		return nil, errors.Wrapf(err, "read routing policy %s", path)
	}
	return Parse(data)
}
