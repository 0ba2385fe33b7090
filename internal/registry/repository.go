package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record is one persisted device descriptor snapshot.
type Record struct {
	UUID       string         `json:"uuid"`
	Type       string         `json:"type"`
	Firmware   string         `json:"firmware"`
	Descriptor map[string]any `json:"descriptor,omitempty"`
	Ability    map[string]any `json:"ability,omitempty"`
	Online     bool           `json:"online"`
	LastSeen   *time.Time     `json:"last_seen,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Repository defines the interface for descriptor persistence.
type Repository interface {
	Save(ctx context.Context, rec *Record) error
	Get(ctx context.Context, uuid string) (*Record, error)
	List(ctx context.Context) ([]Record, error)
	SetOnline(ctx context.Context, uuid string, online bool, lastSeen time.Time) error
}

// SQLiteRepository stores descriptor snapshots in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new descriptor repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Save upserts a descriptor snapshot. CreatedAt is preserved on
// conflict; UpdatedAt always advances.
func (r *SQLiteRepository) Save(ctx context.Context, rec *Record) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	descriptorJSON, err := marshalColumn(rec.Descriptor)
	if err != nil {
		return fmt.Errorf("marshalling descriptor: %w", err)
	}
	abilityJSON, err := marshalColumn(rec.Ability)
	if err != nil {
		return fmt.Errorf("marshalling ability: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO devices (uuid, type, firmware, descriptor, ability, online, last_seen, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(uuid) DO UPDATE SET
		   type = excluded.type,
		   firmware = excluded.firmware,
		   descriptor = excluded.descriptor,
		   ability = excluded.ability,
		   online = excluded.online,
		   last_seen = excluded.last_seen,
		   updated_at = excluded.updated_at`,
		rec.UUID, rec.Type, rec.Firmware, descriptorJSON, abilityJSON,
		boolInt(rec.Online), nullableTime(rec.LastSeen),
		rec.CreatedAt.Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving device %s: %w", rec.UUID, err)
	}

	return nil
}

// Get returns the snapshot for one device.
// Returns ErrDeviceNotFound when no row exists.
func (r *SQLiteRepository) Get(ctx context.Context, uuid string) (*Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT uuid, type, firmware, descriptor, ability, online, last_seen, created_at, updated_at
		 FROM devices WHERE uuid = ?`, uuid)

	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading device %s: %w", uuid, err)
	}
	return rec, nil
}

// List returns all persisted snapshots ordered by uuid.
func (r *SQLiteRepository) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT uuid, type, firmware, descriptor, ability, online, last_seen, created_at, updated_at
		 FROM devices ORDER BY uuid`)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// SetOnline updates the reachability columns without touching the
// descriptor. Returns ErrDeviceNotFound when no row exists.
func (r *SQLiteRepository) SetOnline(ctx context.Context, uuid string, online bool, lastSeen time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE devices SET online = ?, last_seen = ?, updated_at = ? WHERE uuid = ?`,
		boolInt(online), lastSeen.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339), uuid,
	)
	if err != nil {
		return fmt.Errorf("updating device %s online state: %w", uuid, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// scanRecord reads one row through the provided scan function, shared
// between QueryRow and rows iteration.
func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var rec Record
	var descriptorJSON, abilityJSON, lastSeen sql.NullString
	var online int
	var createdAt, updatedAt string

	if err := scan(&rec.UUID, &rec.Type, &rec.Firmware,
		&descriptorJSON, &abilityJSON, &online, &lastSeen,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}

	rec.Online = online != 0

	if descriptorJSON.Valid && descriptorJSON.String != "" {
		var m map[string]any
		if json.Unmarshal([]byte(descriptorJSON.String), &m) == nil {
			rec.Descriptor = m
		}
	}
	if abilityJSON.Valid && abilityJSON.String != "" {
		var m map[string]any
		if json.Unmarshal([]byte(abilityJSON.String), &m) == nil {
			rec.Ability = m
		}
	}
	if lastSeen.Valid && lastSeen.String != "" {
		if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
			rec.LastSeen = &t
		}
	}

	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at %q: %w", createdAt, err)
	}
	rec.CreatedAt = t

	t, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at %q: %w", updatedAt, err)
	}
	rec.UpdatedAt = t

	return &rec, nil
}

// marshalColumn returns nil for empty maps, or the JSON string otherwise.
func marshalColumn(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
