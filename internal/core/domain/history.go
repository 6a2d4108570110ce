package domain

// HistoryRecord is handed to the history collaborator after every query.
type HistoryRecord struct {
	ID               string     `json:"id"                    db:"id"`
	Query            string     `json:"query"                 db:"query"`
	Response         string     `json:"response"              db:"response"`
	Persona          string     `json:"persona"               db:"persona"`
	TimestampMs      int64      `json:"timestampMs"           db:"timestamp_ms"`
	ProcessingTimeMs int64      `json:"processingTimeMs"      db:"processing_time_ms"`
	Citations        []Citation `json:"citations,omitempty"   db:"-"`
	QueryType        QueryType  `json:"queryType,omitempty"   db:"query_type"`
	Attachments      []string   `json:"attachments,omitempty" db:"-"`
	Success          bool       `json:"success"               db:"success"`
	ErrorKind        string     `json:"errorKind,omitempty"   db:"error_kind"`
}
