package domain

import "strings"

var (
	mathKeywords    = []string{"calculate", "average", "trend", "moving", "math"}
	factualKeywords = []string{"what", "clause", "section", "document", "page", "describe"}
)

// ClassifyQueryType derives the query type from keywords. Mathematical wins
// over factual; anything else is conversational.
func ClassifyQueryType(text string) QueryType {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, mathKeywords):
		return QueryTypeMathematical
	case containsAny(lower, factualKeywords):
		return QueryTypeFactual
	default:
		return QueryTypeConversational
	}
}

// IsKnownPersona reports whether id is one of Personas.
func IsKnownPersona(id string) bool {
	for _, p := range Personas {
		if p == id {
			return true
		}
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
