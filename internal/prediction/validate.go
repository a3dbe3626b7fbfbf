package prediction

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// SumTolerance is how far multi-outcome probabilities may drift from 1.
const SumTolerance = 0.05

// ErrValidation is matched by every ValidationError.
var ErrValidation = errors.New("prediction failed validation")

// ValidationError describes why a provider response was rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid prediction: " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// OutcomeProbability is one outcome's predicted probability.
type OutcomeProbability struct {
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
}

// Payload is the structured prediction stored with each result.
type Payload struct {
	Outcomes   []OutcomeProbability `json:"outcomes"`
	Reasoning  string               `json:"reasoning"`
	Confidence *float64             `json:"confidence,omitempty"`
}

// rawPayload keeps required fields distinguishable from zero values.
type rawPayload struct {
	Outcomes []struct {
		Name        *string  `json:"name"`
		Probability *float64 `json:"probability"`
	} `json:"outcomes"`
	Reasoning  *string  `json:"reasoning"`
	Confidence *float64 `json:"confidence"`
}

// ParsePayload strictly decodes a provider response for a market with the given
// outcomes. Outcome names are matched case-insensitively and normalized to the
// market's spelling.
func ParsePayload(raw string, outcomes []string) (*Payload, error) {
	body := stripFences(raw)
	if body == "" {
		return nil, invalid("empty response")
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()

	var rp rawPayload
	if err := dec.Decode(&rp); err != nil {
		return nil, invalid("malformed JSON: %v", err)
	}
	if dec.More() {
		return nil, invalid("trailing data after JSON object")
	}

	if rp.Reasoning == nil || strings.TrimSpace(*rp.Reasoning) == "" {
		return nil, invalid("missing reasoning")
	}
	if len(rp.Outcomes) == 0 {
		return nil, invalid("missing outcomes")
	}
	if rp.Confidence != nil && (*rp.Confidence < 0 || *rp.Confidence > 1) {
		return nil, invalid("confidence %v outside [0,1]", *rp.Confidence)
	}

	known := make(map[string]string, len(outcomes))
	for _, name := range outcomes {
		known[strings.ToLower(strings.TrimSpace(name))] = name
	}

	p := &Payload{Reasoning: strings.TrimSpace(*rp.Reasoning), Confidence: rp.Confidence}
	seen := make(map[string]bool, len(rp.Outcomes))
	var sum float64
	for i, o := range rp.Outcomes {
		if o.Name == nil || strings.TrimSpace(*o.Name) == "" {
			return nil, invalid("outcome %d has no name", i)
		}
		if o.Probability == nil {
			return nil, invalid("outcome %q has no probability", *o.Name)
		}
		name, ok := known[strings.ToLower(strings.TrimSpace(*o.Name))]
		if !ok {
			return nil, invalid("unknown outcome %q", *o.Name)
		}
		if seen[name] {
			return nil, invalid("duplicate outcome %q", name)
		}
		seen[name] = true

		prob := *o.Probability
		if math.IsNaN(prob) || prob < 0 || prob > 1 {
			return nil, invalid("probability %v for %q outside [0,1]", prob, name)
		}
		sum += prob
		p.Outcomes = append(p.Outcomes, OutcomeProbability{Name: name, Probability: prob})
	}

	if len(seen) != len(known) {
		return nil, invalid("expected %d outcomes, got %d", len(known), len(seen))
	}
	if len(p.Outcomes) > 1 && math.Abs(sum-1) > SumTolerance {
		return nil, invalid("probabilities sum to %.3f", sum)
	}

	return p, nil
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the language tag line
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
