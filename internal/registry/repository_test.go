package registry

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the devices table.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE devices (
			uuid            TEXT PRIMARY KEY,
			type            TEXT NOT NULL DEFAULT '',
			firmware        TEXT NOT NULL DEFAULT '',
			descriptor      TEXT,
			ability         TEXT,
			online          INTEGER NOT NULL DEFAULT 0,
			last_seen       TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

const testUUID = "0123456789abcdef0123456789abcdef"

// testRecord creates a record for testing.
func testRecord(uuid string) *Record {
	return &Record{
		UUID:     uuid,
		Type:     "mss310",
		Firmware: "6.1.8",
		Descriptor: map[string]any{
			"all": map[string]any{
				"system": map[string]any{
					"hardware": map[string]any{"type": "mss310", "uuid": uuid},
				},
			},
		},
		Ability: map[string]any{
			"Appliance.Control.ToggleX":     map[string]any{},
			"Appliance.Control.Electricity": map[string]any{},
		},
	}
}

func TestSQLiteRepository_SaveAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	t.Run("saves and restores a snapshot", func(t *testing.T) {
		rec := testRecord(testUUID)
		if err := repo.Save(ctx, rec); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
			t.Error("Save() did not stamp timestamps")
		}

		got, err := repo.Get(ctx, testUUID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Type != "mss310" {
			t.Errorf("Type = %q, want mss310", got.Type)
		}
		if got.Firmware != "6.1.8" {
			t.Errorf("Firmware = %q, want 6.1.8", got.Firmware)
		}
		if got.Descriptor == nil {
			t.Fatal("Descriptor = nil, want stored payload")
		}
		if _, ok := got.Ability["Appliance.Control.ToggleX"]; !ok {
			t.Error("Ability missing Appliance.Control.ToggleX")
		}
	})

	t.Run("upsert replaces the snapshot", func(t *testing.T) {
		rec := testRecord(testUUID)
		rec.Firmware = "6.3.22"
		if err := repo.Save(ctx, rec); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		got, err := repo.Get(ctx, testUUID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Firmware != "6.3.22" {
			t.Errorf("Firmware = %q, want 6.3.22", got.Firmware)
		}

		count := 0
		if err := db.QueryRow("SELECT COUNT(*) FROM devices").Scan(&count); err != nil {
			t.Fatalf("counting rows: %v", err)
		}
		if count != 1 {
			t.Errorf("row count = %d, want 1", count)
		}
	})

	t.Run("returns ErrDeviceNotFound when missing", func(t *testing.T) {
		_, err := repo.Get(ctx, "ffffffffffffffffffffffffffffffff")
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("Get() error = %v, want ErrDeviceNotFound", err)
		}
	})
}

func TestSQLiteRepository_List(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	t.Run("returns empty list when no devices", func(t *testing.T) {
		records, err := repo.List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(records) != 0 {
			t.Errorf("List() returned %d records, want 0", len(records))
		}
	})

	uuids := []string{
		"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}
	for _, uuid := range uuids {
		if err := repo.Save(ctx, testRecord(uuid)); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	t.Run("returns records ordered by uuid", func(t *testing.T) {
		records, err := repo.List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("List() returned %d records, want 2", len(records))
		}
		if records[0].UUID != uuids[1] || records[1].UUID != uuids[0] {
			t.Errorf("records out of order: %s before %s",
				records[0].UUID, records[1].UUID)
		}
	})
}

func TestSQLiteRepository_SetOnline(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	if err := repo.Save(ctx, testRecord(testUUID)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	t.Run("updates reachability", func(t *testing.T) {
		seen := time.Now().UTC().Truncate(time.Second)
		if err := repo.SetOnline(ctx, testUUID, true, seen); err != nil {
			t.Fatalf("SetOnline() error = %v", err)
		}

		got, err := repo.Get(ctx, testUUID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !got.Online {
			t.Error("Online = false, want true")
		}
		if got.LastSeen == nil || !got.LastSeen.Equal(seen) {
			t.Errorf("LastSeen = %v, want %v", got.LastSeen, seen)
		}
		// The descriptor must survive an online update.
		if got.Descriptor == nil {
			t.Error("Descriptor = nil after SetOnline")
		}
	})

	t.Run("returns ErrDeviceNotFound for unknown uuid", func(t *testing.T) {
		err := repo.SetOnline(ctx, "ffffffffffffffffffffffffffffffff", true, time.Now())
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("SetOnline() error = %v, want ErrDeviceNotFound", err)
		}
	})
}
