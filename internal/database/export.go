package database

import (
	"fmt"
	"os"
	"path/filepath"
)

// SchemaVersionError is returned when an imported database file was produced
// by a different schema version. It is fatal: the blob must not be silently
// upgraded or partially read.
type SchemaVersionError struct {
	Got, Want int
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("database schema version %d does not match expected %d", e.Got, e.Want)
}

// ExportBytes serializes the entire database file to bytes. The snapshot is
// taken with VACUUM INTO so readers and the page cache are never bypassed,
// and in-flight mutations are excluded by the store lock.
func (s *Store) ExportBytes() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpDir, err := os.MkdirTemp("", "vault-export-")
	if err != nil {
		return nil, fmt.Errorf("creating export temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	tmpPath := filepath.Join(tmpDir, dbFileName)
	if _, err := s.db.Exec("VACUUM INTO ?", tmpPath); err != nil {
		return nil, fmt.Errorf("snapshotting database: %w", err)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("reading database snapshot: %w", err)
	}
	return data, nil
}

// ImportBytes replaces the store's contents with those of an exported
// database file. The incoming file's schema version must match this binary's;
// a mismatch fails with SchemaVersionError before anything is touched.
// importBytes(exportBytes()) round-trips exactly, update log included.
func (s *Store) ImportBytes(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpDir, err := os.MkdirTemp("", "vault-import-")
	if err != nil {
		return fmt.Errorf("creating import temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	tmpPath := filepath.Join(tmpDir, dbFileName)
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("writing import temp file: %w", err)
	}

	if err := validateSchemaVersion(tmpPath); err != nil {
		return err
	}

	// ATTACH must happen outside a transaction.
	if _, err := s.db.Exec("ATTACH DATABASE ? AS src", tmpPath); err != nil {
		return fmt.Errorf("attaching import database: %w", err)
	}
	defer s.db.Exec("DETACH DATABASE src")

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning import transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"data_packets", "data_packet_tags", "data_packet_updates", "api_keys"} {
		if _, err := tx.Exec("DELETE FROM main." + table); err != nil {
			return fmt.Errorf("clearing table %s: %w", table, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("INSERT INTO main.%s SELECT * FROM src.%s", table, table)); err != nil {
			return fmt.Errorf("importing table %s: %w", table, err)
		}
	}

	// Keep the AUTOINCREMENT counter aligned with the imported log so new
	// entries never reuse sequence numbers. sqlite_sequence has no unique
	// constraint on name, so update the existing row rather than inserting a
	// second one for the table.
	res, err := tx.Exec(`
		UPDATE sqlite_sequence
		SET seq = COALESCE((SELECT MAX(seq) FROM main.data_packet_updates), 0)
		WHERE name = 'data_packet_updates'`)
	if err != nil {
		return fmt.Errorf("resetting update log sequence: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		if _, err := tx.Exec(`
			INSERT INTO sqlite_sequence (name, seq)
			VALUES ('data_packet_updates', COALESCE((SELECT MAX(seq) FROM main.data_packet_updates), 0))`,
		); err != nil {
			return fmt.Errorf("seeding update log sequence: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing import: %w", err)
	}
	return nil
}

// validateSchemaVersion opens the candidate file read-only and compares its
// newest applied migration with ours.
func validateSchemaVersion(path string) error {
	want, err := latestSchemaVersion()
	if err != nil {
		return err
	}

	db, err := openSQLite(path)
	if err != nil {
		return fmt.Errorf("opening import database: %w", err)
	}
	defer db.Close()

	var got int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&got); err != nil {
		return &SchemaVersionError{Got: 0, Want: want}
	}
	if got != want {
		return &SchemaVersionError{Got: got, Want: want}
	}
	return nil
}

// Reset clears every table, update log included. Only the explicit
// "clear cloud data" path calls this.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning reset transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"data_packets", "data_packet_tags", "data_packet_updates", "api_keys"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clearing table %s: %w", table, err)
		}
	}
	return tx.Commit()
}
