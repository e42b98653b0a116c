package intent

import (
	"context"
	"slices"
	"sort"

	"github.com/kalambet/switchyard/internal/engine"
)

const (
	// FallbackConfidence is the confidence assigned to the fallback intent
	// returned when classification fails.
	FallbackConfidence = 0.5

	// DefaultThreshold is the confidence below which a query is routed to
	// more than one engine.
	DefaultThreshold = 0.75
)

// Intent is one candidate engine for a query.
type Intent struct {
	Engine             engine.Kind   `json:"engine"`
	Confidence         float64       `json:"confidence"`
	AlternativeEngines []engine.Kind `json:"alternative_engines"`
	Reasoning          string        `json:"reasoning,omitempty"`
}

// Classification is the full classifier output for one query. Intents is
// never empty.
type Classification struct {
	Intents          []Intent `json:"intents"`
	NeedsMultiEngine bool     `json:"needs_multi_engine"`
	// Fallback is set when the classifier could not produce a real answer
	// and returned the conservative default intent instead.
	Fallback bool `json:"fallback,omitempty"`
}

// Classifier maps a query to engine intents. Implementations never fail:
// any internal error degrades to the fallback classification.
type Classifier interface {
	Classify(ctx context.Context, text, summary string) Classification
}

// Options are the routing settings shared by every classifier.
type Options struct {
	DefaultEngine engine.Kind
	Threshold     float64
	Chains        map[engine.Kind][]engine.Kind
}

func (o Options) withDefaults() Options {
	if !o.DefaultEngine.Valid() {
		o.DefaultEngine = engine.Vector
	}
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.Chains == nil {
		o.Chains = engine.DefaultChains()
	}
	return o
}

// Fallback returns the conservative single-intent classification routed to
// the default engine with its fallback chain as alternatives.
func (o Options) Fallback(reason string) Classification {
	o = o.withDefaults()
	return Classification{
		Intents: []Intent{{
			Engine:             o.DefaultEngine,
			Confidence:         FallbackConfidence,
			AlternativeEngines: slices.Clone(o.Chains[o.DefaultEngine]),
			Reasoning:          reason,
		}},
		NeedsMultiEngine: true,
		Fallback:         true,
	}
}

// finalize cleans raw intents and derives NeedsMultiEngine. Intents with an
// unknown engine or out-of-range confidence are dropped, duplicate engines
// keep their highest-confidence entry, and the result is ordered by
// descending confidence. The second return value is false when nothing valid
// remains.
func (o Options) finalize(raw []Intent) (Classification, bool) {
	o = o.withDefaults()

	best := make(map[engine.Kind]int)
	var out []Intent
	for _, in := range raw {
		k, err := engine.ParseKind(string(in.Engine))
		if err != nil || in.Confidence < 0 || in.Confidence > 1 {
			continue
		}
		in.Engine = k
		in.AlternativeEngines = cleanAlternatives(k, in.AlternativeEngines)
		if i, ok := best[k]; ok {
			if in.Confidence > out[i].Confidence {
				out[i] = in
			}
			continue
		}
		best[k] = len(out)
		out = append(out, in)
	}
	if len(out) == 0 {
		return Classification{}, false
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })

	c := Classification{Intents: out, NeedsMultiEngine: len(out) > 1}
	for _, in := range out {
		if in.Confidence < o.Threshold {
			c.NeedsMultiEngine = true
		}
	}
	return c, true
}

func cleanAlternatives(primary engine.Kind, alts []engine.Kind) []engine.Kind {
	var out []engine.Kind
	for _, a := range alts {
		k, err := engine.ParseKind(string(a))
		if err != nil || k == primary || slices.Contains(out, k) {
			continue
		}
		out = append(out, k)
	}
	return out
}
