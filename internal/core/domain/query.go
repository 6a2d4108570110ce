package domain

import "time"

// QueryType is the coarse intent of a query.
type QueryType string

const (
	QueryTypeMathematical   QueryType = "mathematical"
	QueryTypeFactual        QueryType = "factual"
	QueryTypeConversational QueryType = "conversational"
)

// Personas served by the query execution service.
const (
	PersonaFinancialAnalyst = "Financial Analyst"
	PersonaLegalAdvisor     = "Legal Advisor"
	PersonaGeneralAssistant = "General Assistant"
)

// Personas lists the known persona ids.
var Personas = []string{PersonaFinancialAnalyst, PersonaLegalAdvisor, PersonaGeneralAssistant}

// QueryRequest is a single user query. It is not modified between attempts.
type QueryRequest struct {
	Text          string   `json:"message"`
	PersonaID     string   `json:"persona"`
	AttachmentIDs []string `json:"files,omitempty"`
}

// Citation references a document chunk used in an answer.
type Citation struct {
	Title      string   `json:"title"`
	Page       int      `json:"page"`
	Section    string   `json:"section"`
	Content    string   `json:"content,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// SuggestedQuery is a follow-up suggested by the service.
type SuggestedQuery struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Category   QueryType `json:"category"`
	Confidence float64   `json:"confidence"`
}

// QueryResponse is the structured answer returned by the query execution service.
type QueryResponse struct {
	Response         string           `json:"response"`
	QueryType        QueryType        `json:"queryType,omitempty"`
	Citations        []Citation       `json:"citations"`
	ProcessingTrace  []QueryTrace     `json:"processingTrace"`
	SuggestedQueries []SuggestedQuery `json:"suggestedQueries"`
	ProcessingTimeMs int64            `json:"processingTimeMs"`
}

// ProcessingTime returns the service-reported processing time.
func (r *QueryResponse) ProcessingTime() time.Duration {
	return time.Duration(r.ProcessingTimeMs) * time.Millisecond
}

// Clone returns a deep copy, so cached answers never alias a caller's copy.
func (r QueryResponse) Clone() QueryResponse {
	out := r
	if r.Citations != nil {
		out.Citations = make([]Citation, len(r.Citations))
		for i, c := range r.Citations {
			if c.Confidence != nil {
				v := *c.Confidence
				c.Confidence = &v
			}
			out.Citations[i] = c
		}
	}
	if r.ProcessingTrace != nil {
		out.ProcessingTrace = make([]QueryTrace, len(r.ProcessingTrace))
		for i, t := range r.ProcessingTrace {
			if t.DurationMs != nil {
				v := *t.DurationMs
				t.DurationMs = &v
			}
			out.ProcessingTrace[i] = t
		}
	}
	if r.SuggestedQueries != nil {
		out.SuggestedQueries = append([]SuggestedQuery(nil), r.SuggestedQueries...)
	}
	return out
}
