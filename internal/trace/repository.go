// Package trace persists recent protocol envelopes to the trace_entries
// table for debugging appliance behaviour.
//
// Tracing is optional and bounded: a non-blocking Store buffers entries
// from the device engine and a background worker writes them to SQLite,
// pruning each device's ring to a configured maximum.
package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Entry is one persisted protocol envelope.
type Entry struct {
	ID        int64          `json:"id"`
	Time      time.Time      `json:"time"`
	UUID      string         `json:"uuid"`
	Direction string         `json:"direction"`
	Transport string         `json:"transport"`
	Namespace string         `json:"namespace"`
	Method    string         `json:"method"`
	Size      int            `json:"size"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Filter controls which trace entries to return.
type Filter struct {
	UUID      string // required: device to query
	Namespace string // optional: filter by namespace
	Direction string // optional: TX or RX
	Limit     int    // default 50, max 500
	Offset    int    // pagination offset
}

// ListResult contains the paginated trace results.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository defines the interface for trace persistence.
type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Prune(ctx context.Context, uuid string, keep int) (int64, error)
}

// SQLiteRepository stores trace entries in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new trace repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert writes a single trace entry. Time defaults to now if zero.
func (r *SQLiteRepository) Insert(ctx context.Context, e *Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	var payloadJSON *string
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshalling trace payload: %w", err)
		}
		s := string(b)
		payloadJSON = &s
		if e.Size == 0 {
			e.Size = len(b)
		}
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO trace_entries (ts, uuid, direction, transport, namespace, method, size, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Time.Format(time.RFC3339Nano), e.UUID, e.Direction, e.Transport,
		e.Namespace, e.Method, e.Size, payloadJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting trace entry: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}

	return nil
}

// List returns trace entries for a device matching the filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	// Clamp limit.
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 500 { //nolint:mnd // max page size for trace queries
		filter.Limit = 500
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	// Build WHERE clause dynamically.
	conditions := []string{"uuid = ?"}
	args := []any{filter.UUID}

	if filter.Namespace != "" {
		conditions = append(conditions, "namespace = ?")
		args = append(args, filter.Namespace)
	}
	if filter.Direction != "" {
		conditions = append(conditions, "direction = ?")
		args = append(args, filter.Direction)
	}

	where := "WHERE " + strings.Join(conditions, " AND ")

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM trace_entries %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting trace entries: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT id, ts, uuid, direction, transport, namespace, method, size, payload FROM trace_entries %s ORDER BY id DESC LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying trace entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		var payloadJSON sql.NullString

		if err := rows.Scan(&e.ID, &ts, &e.UUID, &e.Direction, &e.Transport,
			&e.Namespace, &e.Method, &e.Size, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scanning trace entry: %w", err)
		}

		if payloadJSON.Valid && payloadJSON.String != "" {
			var payload map[string]any
			if json.Unmarshal([]byte(payloadJSON.String), &payload) == nil {
				e.Payload = payload
			}
		}

		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			t, err = time.Parse(time.RFC3339, ts)
			if err != nil {
				return nil, fmt.Errorf("parsing trace timestamp %q: %w", ts, err)
			}
		}
		e.Time = t

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating trace entries: %w", err)
	}

	if entries == nil {
		entries = []Entry{}
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// Prune deletes a device's oldest entries so at most keep rows remain.
// Returns the number of rows removed.
func (r *SQLiteRepository) Prune(ctx context.Context, uuid string, keep int) (int64, error) {
	if keep <= 0 {
		keep = 1
	}

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM trace_entries WHERE uuid = ? AND id NOT IN (
		   SELECT id FROM trace_entries WHERE uuid = ? ORDER BY id DESC LIMIT ?
		 )`,
		uuid, uuid, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning trace entries: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // rows-affected unsupported is not a prune failure
	}
	return n, nil
}
