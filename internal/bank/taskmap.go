package bank

import (
	"fmt"
	"strings"
)

// agentTaskTypes maps specialist agent types to task types. The table is
// exhaustive and reviewed as data: an agent type missing here is a
// validation error at recording time, never a substring guess.
var agentTaskTypes = map[string]string{
	"equity-analyst":      "valuation",
	"credit-analyst":      "credit",
	"risk-manager":        "risk",
	"portfolio-manager":   "portfolio",
	"macro-economist":     "macro",
	"fx-strategist":       "fx",
	"derivatives-analyst": "derivatives",
	"tax-advisor":         "tax",
}

// taskDomains maps task types to retrieval domains. Every task type in
// agentTaskTypes has an entry.
var taskDomains = map[string]string{
	"valuation":   "equity",
	"portfolio":   "equity",
	"credit":      "credit",
	"risk":        "risk",
	"macro":       "macro",
	"fx":          "markets",
	"derivatives": "markets",
	"tax":         "tax",
}

// TaskTypeFor returns the task type for an agent type.
func TaskTypeFor(agentType string) (string, error) {
	taskType, ok := agentTaskTypes[agentType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgentType, agentType)
	}
	return taskType, nil
}

// DomainFor returns the retrieval domain for a task type.
func DomainFor(taskType string) (string, error) {
	domain, ok := taskDomains[taskType]
	if !ok {
		return "", fmt.Errorf("%w: no domain for task type %q", ErrUnknownAgentType, taskType)
	}
	return domain, nil
}

// Domains returns the distinct retrieval domains, for iteration by
// maintenance jobs. Order is unspecified.
func Domains() []string {
	seen := make(map[string]struct{}, len(taskDomains))
	var domains []string
	for _, d := range taskDomains {
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		domains = append(domains, d)
	}
	return domains
}

// EmbeddingText returns the canonical text a pattern is embedded from.
func EmbeddingText(taskType string, tools []string, agentType string) string {
	canonical := CanonicalTools(tools)
	text := "task: " + taskType + "; tools:"
	for i, t := range canonical {
		if i > 0 {
			text += ","
		}
		text += " " + t
	}
	return text + "; agent: " + agentType
}

// QueryText returns the canonical form a search query is embedded from.
// Free text is wrapped in the same template as stored pattern text, so a
// bare task type like "valuation" lands in the same region of the
// embedding space as the patterns recorded for that task. Text already
// in canonical form passes through unchanged.
func QueryText(query string) string {
	if strings.HasPrefix(query, "task:") {
		return query
	}
	return EmbeddingText(query, nil, "")
}
