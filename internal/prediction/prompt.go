package prediction

import (
	"fmt"
	"strings"
	"time"

	"forecastplane/internal/marketdata"
)

const maxDescriptionLen = 2000

// BuildPrompt renders the prompt for a market. The same market always yields
// the same prompt.
func BuildPrompt(m marketdata.Market) string {
	var sb strings.Builder

	sb.WriteString("Estimate the probability of each outcome of this prediction market.\n\n")
	fmt.Fprintf(&sb, "Question: %s\n", m.Question)
	if m.EventTitle != "" {
		fmt.Fprintf(&sb, "Event: %s\n", m.EventTitle)
	}
	if m.Category != "" {
		fmt.Fprintf(&sb, "Category: %s\n", m.Category)
	}
	fmt.Fprintf(&sb, "Resolves: %s\n", m.EndDate.UTC().Format(time.RFC3339))

	if desc := strings.TrimSpace(m.Description); desc != "" {
		if len(desc) > maxDescriptionLen {
			desc = desc[:maxDescriptionLen] + "..."
		}
		fmt.Fprintf(&sb, "\nResolution criteria:\n%s\n", desc)
	}

	sb.WriteString("\nOutcomes and current market prices:\n")
	for i, name := range m.Outcomes {
		if i < len(m.OutcomePrices) {
			fmt.Fprintf(&sb, "- %s (%.3f)\n", name, m.OutcomePrices[i])
		} else {
			fmt.Fprintf(&sb, "- %s\n", name)
		}
	}

	sb.WriteString(`
Respond with a JSON object of exactly this shape:
{"outcomes": [{"name": "<outcome>", "probability": <0..1>}], "reasoning": "<short explanation>"}
List every outcome above once, using its exact name. Probabilities must sum to 1.
`)
	return sb.String()
}
