// Package quality decides whether an intercepted JSON payload is worth
// keeping. The classifier is an ordered list of named rules evaluated
// first-match-wins over a normalized Input; recall is favored over precision.
package quality

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Size thresholds, in bytes of the compact JSON encoding.
const (
	MinSize        = 100
	LargeObject    = 800
	AcceptableSize = 300
	MinListLength  = 3
)

// NoiseKeywords mark telemetry-adjacent endpoints by URL substring.
var NoiseKeywords = []string{
	"analytics", "sentry", "tracking", "telemetry",
	"gtag", "gtm", "pixel", "amplitude", "mixpanel",
	"i18n", "locale", "translation", "__webpack",
}

// DataIndicators are key fragments that suggest a payload carries records.
var DataIndicators = []string{"data", "items", "list", "results", "products", "posts"}

// Kind is the coarse JSON shape of a payload.
type Kind int

// Payload shapes.
const (
	KindScalar Kind = iota
	KindObject
	KindList
)

// Shape summarizes the top level of a decoded payload.
type Shape struct {
	Kind Kind
	Keys []string
	Len  int
}

// Input is the normalized view every rule sees.
type Input struct {
	URL   string
	Size  int
	Shape Shape
	Value any
}

// NewInput normalizes a decoded payload observed at url.
func NewInput(url string, value any) (Input, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return Input{}, fmt.Errorf("encode payload: %w", err)
	}
	// Encode appends a newline.
	size := buf.Len() - 1
	return Input{URL: url, Size: size, Shape: shapeOf(value), Value: value}, nil
}

func shapeOf(v any) Shape {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		return Shape{Kind: KindObject, Keys: keys, Len: len(t)}
	case []any:
		return Shape{Kind: KindList, Len: len(t)}
	default:
		return Shape{Kind: KindScalar}
	}
}

// Decision is what a matching rule concludes.
type Decision bool

// Rule outcomes.
const (
	Accept Decision = true
	Reject Decision = false
)

// Rule is one named predicate. When Match returns true evaluation stops
// with Decision.
type Rule struct {
	Name     string
	Decision Decision
	Match    func(Input) bool
}

// Verdict is the classifier output.
type Verdict struct {
	Accepted bool
	Rule     string
}

// Classifier evaluates rules in order.
type Classifier struct {
	rules []Rule
}

// New builds a classifier over rules, evaluated in the given order. An input
// that matches no rule is rejected.
func New(rules ...Rule) *Classifier {
	return &Classifier{rules: append([]Rule(nil), rules...)}
}

// Default returns the classifier with the standard rule set.
func Default() *Classifier {
	return New(DefaultRules()...)
}

// DefaultRules returns the standard ordered rule set.
func DefaultRules() []Rule {
	return []Rule{
		// Lists and keyed data envelopes are exempt: a short array of records
		// is still data.
		{Name: "too_small", Decision: Reject, Match: func(in Input) bool {
			return in.Shape.Kind != KindList && !hasDataKeys(in) && in.Size < MinSize
		}},
		{Name: "noise_url", Decision: Reject, Match: func(in Input) bool {
			return containsAny(strings.ToLower(in.URL), NoiseKeywords)
		}},
		{Name: "data_keys", Decision: Accept, Match: hasDataKeys},
		{Name: "large_object", Decision: Accept, Match: func(in Input) bool {
			return in.Shape.Kind == KindObject && in.Size >= LargeObject
		}},
		{Name: "list_of_records", Decision: Accept, Match: func(in Input) bool {
			return in.Shape.Kind == KindList && in.Shape.Len >= MinListLength
		}},
		{Name: "acceptable_size", Decision: Accept, Match: func(in Input) bool {
			return in.Size >= AcceptableSize
		}},
	}
}

// Classify returns the verdict of the first matching rule.
func (c *Classifier) Classify(in Input) Verdict {
	for _, rule := range c.rules {
		if rule.Match(in) {
			return Verdict{Accepted: bool(rule.Decision), Rule: rule.Name}
		}
	}
	return Verdict{Accepted: false, Rule: "default"}
}

// Rules returns the rule names in evaluation order.
func (c *Classifier) Rules() []string {
	out := make([]string, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.Name
	}
	return out
}

func hasDataKeys(in Input) bool {
	if in.Shape.Kind != KindObject {
		return false
	}
	return containsAny(strings.ToLower(strings.Join(in.Shape.Keys, " ")), DataIndicators)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
