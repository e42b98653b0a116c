package intent

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/kalambet/switchyard/internal/engine"
)

// KeywordClassifier routes queries with weighted regular expressions. It
// needs no model and answers in well under a millisecond, so it serves as
// the classifier when no LLM is available.
type KeywordClassifier struct {
	patterns map[engine.Kind][]compiledPattern
	opts     Options
}

type compiledPattern struct {
	regex  *regexp.Regexp
	weight float64
}

// NewKeywordClassifier creates a classifier with the built-in patterns.
func NewKeywordClassifier(opts Options) *KeywordClassifier {
	return &KeywordClassifier{patterns: buildPatterns(), opts: opts.withDefaults()}
}

type engineScore struct {
	kind    engine.Kind
	score   float64
	matches int
}

// Classify scores every engine and returns the best one, with the other
// matching engines as alternatives. A query matching nothing gets the
// fallback classification.
func (c *KeywordClassifier) Classify(_ context.Context, text, _ string) Classification {
	lower := strings.ToLower(text)

	var scores []engineScore
	var total float64
	for _, k := range engine.Kinds {
		s := engineScore{kind: k}
		for _, p := range c.patterns[k] {
			if p.regex.MatchString(lower) {
				s.score += p.weight
				s.matches++
			}
		}
		if s.matches > 0 {
			scores = append(scores, s)
			total += s.score
		}
	}
	if total == 0 {
		return c.opts.Fallback("no keyword matched")
	}

	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	best := scores[0]

	confidence := best.score / total
	if len(scores) == 1 {
		confidence = min(confidence+0.25, 1.0)
	}
	if best.matches >= 2 {
		confidence = min(confidence+0.1, 1.0)
	}
	if len(scores) > 1 && (best.score-scores[1].score)/best.score < 0.3 {
		// Close competition.
		confidence *= 0.8
	}

	in := Intent{
		Engine:     best.kind,
		Confidence: confidence,
		Reasoning:  fmt.Sprintf("%d keyword matches", best.matches),
	}
	for _, s := range scores[1:] {
		in.AlternativeEngines = append(in.AlternativeEngines, s.kind)
	}
	// Fill remaining alternatives from the fallback chain so a low
	// confidence still fans out.
	for _, k := range c.opts.Chains[best.kind] {
		if !slices.Contains(in.AlternativeEngines, k) {
			in.AlternativeEngines = append(in.AlternativeEngines, k)
		}
	}

	cls, _ := c.opts.finalize([]Intent{in})
	return cls
}

func buildPatterns() map[engine.Kind][]compiledPattern {
	return map[engine.Kind][]compiledPattern{
		engine.Quantitative: {
			{regexp.MustCompile(`\b(how\s+many|how\s+much)\b`), 1.2},
			{regexp.MustCompile(`\b(total|sum|average|avg|mean|median|count|ratio|percent(age)?)\b`), 1.1},
			{regexp.MustCompile(`\b(revenue|profit|margin|cost|spend|sales|growth|churn|kpi)\b`), 1.0},
			{regexp.MustCompile(`\b(19|20)\d{2}\b`), 0.6},
			{regexp.MustCompile(`\b(q[1-4]|quarter(ly)?|monthly|year(ly)?|yoy|mom)\b`), 0.8},
			{regexp.MustCompile(`\b(trend|increase|decrease|top\s+\d+|rank(ed|ing)?)\b`), 0.8},
		},
		engine.Graph: {
			{regexp.MustCompile(`\b(related\s+to|connected\s+to|linked\s+to|associated\s+with)\b`), 1.2},
			{regexp.MustCompile(`\b(relationship|relation|connection|dependency|dependencies|hierarchy)\b`), 1.1},
			{regexp.MustCompile(`\b(who\s+(reports|owns|manages|works)|reports\s+to|owned\s+by|depends\s+on)\b`), 1.1},
			{regexp.MustCompile(`\bbetween\s+.{1,40}\s+and\b`), 0.8},
			{regexp.MustCompile(`\b(path|upstream|downstream|parent|child|neighbou?rs?)\b`), 0.7},
		},
		engine.Vector: {
			{regexp.MustCompile(`\b(what\s+is|what\s+are|what\s+does|explain|describe|summari[sz]e)\b`), 1.0},
			{regexp.MustCompile(`\b(document|documentation|policy|policies|guide|manual|article|notes?)\b`), 1.0},
			{regexp.MustCompile(`\b(similar\s+to|like\s+this|about|mentions?)\b`), 0.7},
			{regexp.MustCompile(`\b(how\s+(do|does|can|should)\s+(i|we|you))\b`), 0.8},
			{regexp.MustCompile(`\b(find|search|look\s+up)\b`), 0.6},
		},
	}
}
