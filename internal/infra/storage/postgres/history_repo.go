package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/vietddude/queryflow/internal/core/domain"
	"github.com/vietddude/queryflow/internal/infra/storage"
)

// historyRow is the query_history table layout.
type historyRow struct {
	ID               string         `db:"id"`
	Query            string         `db:"query"`
	Response         string         `db:"response"`
	Persona          string         `db:"persona"`
	TimestampMs      int64          `db:"timestamp_ms"`
	ProcessingTimeMs int64          `db:"processing_time_ms"`
	Citations        []byte         `db:"citations"`
	QueryType        string         `db:"query_type"`
	Attachments      pq.StringArray `db:"attachments"`
	Success          bool           `db:"success"`
	ErrorKind        string         `db:"error_kind"`
}

func toRow(rec *domain.HistoryRecord) (historyRow, error) {
	row := historyRow{
		ID:               rec.ID,
		Query:            rec.Query,
		Response:         rec.Response,
		Persona:          rec.Persona,
		TimestampMs:      rec.TimestampMs,
		ProcessingTimeMs: rec.ProcessingTimeMs,
		QueryType:        string(rec.QueryType),
		Attachments:      pq.StringArray(rec.Attachments),
		Success:          rec.Success,
		ErrorKind:        rec.ErrorKind,
	}
	if row.Attachments == nil {
		row.Attachments = pq.StringArray{}
	}
	if len(rec.Citations) > 0 {
		data, err := json.Marshal(rec.Citations)
		if err != nil {
			return historyRow{}, fmt.Errorf("failed to marshal citations: %w", err)
		}
		row.Citations = data
	}
	return row, nil
}

func (r historyRow) toDomain() (*domain.HistoryRecord, error) {
	rec := &domain.HistoryRecord{
		ID:               r.ID,
		Query:            r.Query,
		Response:         r.Response,
		Persona:          r.Persona,
		TimestampMs:      r.TimestampMs,
		ProcessingTimeMs: r.ProcessingTimeMs,
		QueryType:        domain.QueryType(r.QueryType),
		Success:          r.Success,
		ErrorKind:        r.ErrorKind,
	}
	if len(r.Attachments) > 0 {
		rec.Attachments = []string(r.Attachments)
	}
	if len(r.Citations) > 0 {
		if err := json.Unmarshal(r.Citations, &rec.Citations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal citations: %w", err)
		}
	}
	return rec, nil
}

// HistoryRepo implements storage.HistoryRepository using PostgreSQL.
type HistoryRepo struct {
	db *DB
}

// NewHistoryRepo creates a new PostgreSQL history repository.
func NewHistoryRepo(db *DB) *HistoryRepo {
	return &HistoryRepo{db: db}
}

const insertHistory = `
INSERT INTO query_history (
    id, query, response, persona, timestamp_ms, processing_time_ms,
    citations, query_type, attachments, success, error_kind
) VALUES (
    :id, :query, :response, :persona, :timestamp_ms, :processing_time_ms,
    :citations, :query_type, :attachments, :success, :error_kind
)
ON CONFLICT (id) DO UPDATE SET
    response = EXCLUDED.response,
    processing_time_ms = EXCLUDED.processing_time_ms,
    citations = EXCLUDED.citations,
    success = EXCLUDED.success,
    error_kind = EXCLUDED.error_kind`

// Save stores a record, assigning an ID if it has none.
func (r *HistoryRepo) Save(ctx context.Context, rec *domain.HistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	if _, err := r.db.NamedExecContext(ctx, insertHistory, row); err != nil {
		return fmt.Errorf("failed to save history record: %w", err)
	}
	return nil
}

// Get retrieves a record by ID.
func (r *HistoryRepo) Get(ctx context.Context, id string) (*domain.HistoryRecord, error) {
	var row historyRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM query_history WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrHistoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history record: %w", err)
	}
	return row.toDomain()
}

// List returns records newest first.
func (r *HistoryRepo) List(ctx context.Context, filter storage.HistoryFilter) ([]*domain.HistoryRecord, error) {
	query, args := buildListQuery(filter)

	var rows []historyRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	out := make([]*domain.HistoryRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func buildListQuery(filter storage.HistoryFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.Persona != "" {
		args = append(args, filter.Persona)
		where = append(where, fmt.Sprintf("persona = $%d", len(args)))
	}
	if filter.Success != nil {
		args = append(args, *filter.Success)
		where = append(where, fmt.Sprintf("success = $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT * FROM query_history")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY timestamp_ms DESC, id DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

// Delete removes a record.
func (r *HistoryRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM query_history WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete history record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrHistoryNotFound
	}
	return nil
}

// DeleteOlderThan removes records with a timestamp before timestampMs.
func (r *HistoryRepo) DeleteOlderThan(ctx context.Context, timestampMs int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM query_history WHERE timestamp_ms < $1`, timestampMs)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored records.
func (r *HistoryRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM query_history`); err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return n, nil
}
