package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Entry describes one engine endpoint and its fallback chain.
type Entry struct {
	Kind      Kind          `yaml:"kind"`
	URL       string        `yaml:"url"`
	Token     string        `yaml:"token,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	RateLimit float64       `yaml:"rate_limit,omitempty"`
	Fallback  []Kind        `yaml:"fallback,omitempty"`
}

// Catalogue is the set of configured engines. Entry order is the engine
// priority order used to break ties between equally scored answers.
type Catalogue struct {
	Engines []Entry `yaml:"engines"`
}

// DefaultChains returns the built-in fallback chains.
func DefaultChains() map[Kind][]Kind {
	return map[Kind][]Kind{
		Vector:       {Graph, Quantitative},
		Graph:        {Vector, Quantitative},
		Quantitative: {Graph, Vector},
	}
}

// LoadCatalogue reads and validates a YAML engine catalogue.
//
//	engines:
//	  - kind: VECTOR
//	    url: http://localhost:7001/invoke
//	    timeout: 10s
//	    fallback: [GRAPH, QUANTITATIVE]
func LoadCatalogue(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading engine catalogue: %w", err)
	}
	return ParseCatalogue(data)
}

// ParseCatalogue decodes and validates a YAML engine catalogue.
func ParseCatalogue(data []byte) (*Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing engine catalogue: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks kinds, duplicate entries, and fallback chains.
func (c *Catalogue) Validate() error {
	seen := make(map[Kind]bool, len(c.Engines))
	for i := range c.Engines {
		e := &c.Engines[i]
		k, err := ParseKind(string(e.Kind))
		if err != nil {
			return fmt.Errorf("engine %d: %w", i, err)
		}
		e.Kind = k
		if seen[k] {
			return fmt.Errorf("engine %s listed twice", k)
		}
		seen[k] = true
		if e.Timeout < 0 {
			return fmt.Errorf("engine %s: negative timeout", k)
		}

		inChain := make(map[Kind]bool, len(e.Fallback))
		for j, f := range e.Fallback {
			fk, err := ParseKind(string(f))
			if err != nil {
				return fmt.Errorf("engine %s fallback %d: %w", k, j, err)
			}
			if fk == k {
				return fmt.Errorf("engine %s lists itself as fallback", k)
			}
			if inChain[fk] {
				return fmt.Errorf("engine %s lists fallback %s twice", k, fk)
			}
			inChain[fk] = true
			e.Fallback[j] = fk
		}
	}
	return nil
}

// Chains returns the fallback chain for every configured engine. Entries
// without an explicit chain get the built-in default.
func (c *Catalogue) Chains() map[Kind][]Kind {
	defaults := DefaultChains()
	chains := make(map[Kind][]Kind, len(c.Engines))
	for _, e := range c.Engines {
		if len(e.Fallback) > 0 {
			chains[e.Kind] = append([]Kind(nil), e.Fallback...)
		} else {
			chains[e.Kind] = defaults[e.Kind]
		}
	}
	return chains
}

// Priority returns engine kinds in catalogue order.
func (c *Catalogue) Priority() []Kind {
	out := make([]Kind, 0, len(c.Engines))
	for _, e := range c.Engines {
		out = append(out, e.Kind)
	}
	return out
}

// Timeouts returns per-engine timeouts, using def where none is set.
func (c *Catalogue) Timeouts(def time.Duration) map[Kind]time.Duration {
	out := make(map[Kind]time.Duration, len(c.Engines))
	for _, e := range c.Engines {
		if e.Timeout > 0 {
			out[e.Kind] = e.Timeout
		} else {
			out[e.Kind] = def
		}
	}
	return out
}

// RateLimits returns the requests/second cap of every engine that has one.
func (c *Catalogue) RateLimits() map[Kind]float64 {
	out := make(map[Kind]float64)
	for _, e := range c.Engines {
		if e.RateLimit > 0 {
			out[e.Kind] = e.RateLimit
		}
	}
	return out
}

// Build returns one HTTPEngine per entry that has a URL.
func (c *Catalogue) Build() []Engine {
	var out []Engine
	for _, e := range c.Engines {
		if e.URL == "" {
			continue
		}
		out = append(out, NewHTTPEngine(e.Kind, e.URL, e.Token))
	}
	return out
}
