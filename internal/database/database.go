// Package database implements the embedded relational store: a single SQLite
// file holding all resource packets, their tag associations, an append-only
// update log used for sync conflict detection, and encrypted API keys. The
// whole file can be exported to bytes and re-imported, which is how the cloud
// sync engine moves it across the network.
package database

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/firstdataunion/vault/internal/packet"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dbFileName is the on-disk name of the embedded database file.
const dbFileName = "vault.db"

// Store wraps a SQLite database with packet CRUD, the update log, and
// export/import of the underlying file.
type Store struct {
	// mu serializes CRUD against export/import so a mid-mutation database is
	// never serialized or swapped out from under a writer.
	mu   sync.RWMutex
	db   *sql.DB
	path string // empty for in-memory stores
}

// Open opens (or creates) the embedded database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory store (tests).
func Open(dataDir string) (*Store, error) {
	var dsn, path string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		path = filepath.Join(dataDir, dbFileName)
		dsn = path
	}

	db, err := openSQLite(dsn)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func openSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	return db, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// latestSchemaVersion returns the highest migration version shipped with
// this binary.
func latestSchemaVersion() (int, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return 0, fmt.Errorf("reading migrations directory: %w", err)
	}
	max := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		v, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return 0, err
		}
		if v > max {
			max = v
		}
	}
	return max, nil
}

// AppliedMigrations returns the list of applied migration versions in
// ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Packets ---

// InsertPacket stores a new packet. A retry carrying the same request ID for
// the same resource type is collapsed into the original write and returns the
// stored row unchanged. A colliding ID under a different request ID fails
// with DuplicateIDError.
func (s *Store) InsertPacket(p packet.DataPacket) (packet.DataPacket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.RequestID != "" {
		existing, err := s.getPacketByRequestID(p.Type, p.RequestID)
		if err == nil {
			return existing, nil
		}
		if err != packet.ErrNotFound {
			return packet.DataPacket{}, err
		}
	}

	if _, err := s.getPacket(p.Type, p.ID); err == nil {
		return packet.DataPacket{}, &packet.DuplicateIDError{Type: p.Type, ID: p.ID}
	} else if err != packet.ErrNotFound {
		return packet.DataPacket{}, err
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}

	tagsJSON, err := marshalTags(p.Tags)
	if err != nil {
		return packet.DataPacket{}, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return packet.DataPacket{}, fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO data_packets (id, resource_type, profile_id, payload, tags, created_at, updated_at, request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.Type), p.ProfileID, string(p.Payload), tagsJSON,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt), p.RequestID,
	); err != nil {
		return packet.DataPacket{}, fmt.Errorf("inserting packet %s: %w", p.ID, err)
	}

	if err := syncTags(tx, p.Type, p.ID, p.Tags); err != nil {
		return packet.DataPacket{}, err
	}
	if err := appendUpdate(tx, p.Type, p.ID, opCreate, p.UpdatedAt); err != nil {
		return packet.DataPacket{}, err
	}

	if err := tx.Commit(); err != nil {
		return packet.DataPacket{}, fmt.Errorf("committing insert: %w", err)
	}
	return p, nil
}

// UpdatePacket replaces the payload and tags of an existing packet. The
// updated_at timestamp never moves backwards.
func (s *Store) UpdatePacket(p packet.DataPacket) (packet.DataPacket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getPacket(p.Type, p.ID)
	if err != nil {
		return packet.DataPacket{}, err
	}

	p.CreatedAt = existing.CreatedAt
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	if !p.UpdatedAt.After(existing.UpdatedAt) {
		p.UpdatedAt = existing.UpdatedAt.Add(time.Nanosecond)
	}

	tagsJSON, err := marshalTags(p.Tags)
	if err != nil {
		return packet.DataPacket{}, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return packet.DataPacket{}, fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE data_packets SET payload = ?, tags = ?, updated_at = ?
		WHERE resource_type = ? AND id = ?`,
		string(p.Payload), tagsJSON, formatTime(p.UpdatedAt), string(p.Type), p.ID,
	); err != nil {
		return packet.DataPacket{}, fmt.Errorf("updating packet %s: %w", p.ID, err)
	}

	if err := syncTags(tx, p.Type, p.ID, p.Tags); err != nil {
		return packet.DataPacket{}, err
	}
	if err := appendUpdate(tx, p.Type, p.ID, opUpdate, p.UpdatedAt); err != nil {
		return packet.DataPacket{}, err
	}

	if err := tx.Commit(); err != nil {
		return packet.DataPacket{}, fmt.Errorf("committing update: %w", err)
	}
	p.ProfileID = existing.ProfileID
	p.RequestID = existing.RequestID
	return p, nil
}

// DeletePacket removes a packet and its tag rows.
func (s *Store) DeletePacket(rt packet.ResourceType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM data_packets WHERE resource_type = ? AND id = ?", string(rt), id)
	if err != nil {
		return fmt.Errorf("deleting packet %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return packet.ErrNotFound
	}

	if _, err := tx.Exec("DELETE FROM data_packet_tags WHERE resource_type = ? AND data_packet_id = ?", string(rt), id); err != nil {
		return fmt.Errorf("deleting packet tags: %w", err)
	}
	if err := appendUpdate(tx, rt, id, opDelete, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// GetPacket returns a single packet by resource type and ID.
func (s *Store) GetPacket(rt packet.ResourceType, id string) (packet.DataPacket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPacket(rt, id)
}

const packetColumns = "id, resource_type, profile_id, payload, tags, created_at, updated_at, request_id"

func (s *Store) getPacket(rt packet.ResourceType, id string) (packet.DataPacket, error) {
	row := s.db.QueryRow(
		"SELECT "+packetColumns+" FROM data_packets WHERE resource_type = ? AND id = ?",
		string(rt), id,
	)
	return scanPacket(row)
}

func (s *Store) getPacketByRequestID(rt packet.ResourceType, requestID string) (packet.DataPacket, error) {
	row := s.db.QueryRow(
		"SELECT "+packetColumns+" FROM data_packets WHERE resource_type = ? AND request_id = ?",
		string(rt), requestID,
	)
	return scanPacket(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPacket(row rowScanner) (packet.DataPacket, error) {
	var p packet.DataPacket
	var rt, payload, tags, createdAt, updatedAt string
	var requestID sql.NullString
	err := row.Scan(&p.ID, &rt, &p.ProfileID, &payload, &tags, &createdAt, &updatedAt, &requestID)
	if err == sql.ErrNoRows {
		return packet.DataPacket{}, packet.ErrNotFound
	}
	if err != nil {
		return packet.DataPacket{}, err
	}

	p.Type = packet.ResourceType(rt)
	p.Payload = json.RawMessage(payload)
	p.RequestID = requestID.String
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
			return packet.DataPacket{}, fmt.Errorf("parsing tags for packet %s: %w", p.ID, err)
		}
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return packet.DataPacket{}, fmt.Errorf("parsing created_at for packet %s: %w", p.ID, err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return packet.DataPacket{}, fmt.Errorf("parsing updated_at for packet %s: %w", p.ID, err)
	}
	return p, nil
}

// QueryPackets lists packets of one resource type for a profile, newest
// update first. Pagination is stable as long as the store is not mutated
// between calls.
func (s *Store) QueryPackets(rt packet.ResourceType, profileID string, f packet.Filter, page packet.Page) ([]packet.DataPacket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queryParts := []string{
		"SELECT DISTINCT dp." + packetColumnsAliased + " FROM data_packets dp",
		"WHERE dp.resource_type = ?",
	}
	args := []any{string(rt)}

	if profileID != "" {
		queryParts = append(queryParts, "AND dp.profile_id = ?")
		args = append(args, profileID)
	}
	if !f.From.IsZero() {
		queryParts = append(queryParts, "AND dp.created_at >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		queryParts = append(queryParts, "AND dp.created_at <= ?")
		args = append(args, formatTime(f.To))
	}
	for _, tag := range f.Tags {
		queryParts = append(queryParts,
			"AND dp.id IN (SELECT data_packet_id FROM data_packet_tags WHERE resource_type = dp.resource_type AND tag = ?)")
		args = append(args, tag)
	}

	queryParts = append(queryParts, "ORDER BY dp.updated_at DESC, dp.id ASC LIMIT ? OFFSET ?")
	args = append(args, page.EffectiveLimit(), page.Offset)

	rows, err := s.db.Query(strings.Join(queryParts, " "), args...)
	if err != nil {
		return nil, fmt.Errorf("querying packets: %w", err)
	}
	defer rows.Close()

	var results []packet.DataPacket
	for rows.Next() {
		p, err := scanPacket(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// packetColumnsAliased is packetColumns with each column prefixed for the
// aliased data_packets table in joins.
const packetColumnsAliased = "id, dp.resource_type, dp.profile_id, dp.payload, dp.tags, dp.created_at, dp.updated_at, dp.request_id"

func marshalTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshalling tags: %w", err)
	}
	return string(b), nil
}

// syncTags replaces the join-table rows for one packet.
func syncTags(tx *sql.Tx, rt packet.ResourceType, id string, tags []string) error {
	if _, err := tx.Exec("DELETE FROM data_packet_tags WHERE resource_type = ? AND data_packet_id = ?", string(rt), id); err != nil {
		return fmt.Errorf("clearing tags for packet %s: %w", id, err)
	}
	for _, tag := range tags {
		if _, err := tx.Exec(
			"INSERT INTO data_packet_tags (resource_type, data_packet_id, tag) VALUES (?, ?, ?)",
			string(rt), id, tag,
		); err != nil {
			return fmt.Errorf("inserting tag %q for packet %s: %w", tag, id, err)
		}
	}
	return nil
}

// --- API keys ---

// apiKeyLogID identifies a credential in the update log. API keys live in
// their own table, but their mutations still advance the local revision so
// a dirty api_keys table forces the sync engine down the merge path instead
// of a wholesale import that would drop the unsynced credential.
func apiKeyLogID(profileID, provider string) string {
	return profileID + "/" + provider
}

// SaveAPIKey upserts a provider credential. The key value is stored exactly
// as given; the cloud adapter hands in ciphertext. The mutation is recorded
// in the update log like any other local change.
func (s *Store) SaveAPIKey(k packet.APIKey) (packet.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = now
	}
	k.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return packet.APIKey{}, fmt.Errorf("beginning api key transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO api_keys (id, profile_id, provider, key_ciphertext, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(profile_id, provider) DO UPDATE SET
			key_ciphertext = excluded.key_ciphertext, updated_at = excluded.updated_at`,
		k.ID, k.ProfileID, k.Provider, k.Key, formatTime(k.CreatedAt), formatTime(k.UpdatedAt),
	); err != nil {
		return packet.APIKey{}, fmt.Errorf("saving api key for %s: %w", k.Provider, err)
	}
	if err := appendUpdate(tx, packet.TypeAPIKey, apiKeyLogID(k.ProfileID, k.Provider), opUpdate, k.UpdatedAt); err != nil {
		return packet.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return packet.APIKey{}, fmt.Errorf("committing api key save: %w", err)
	}
	return k, nil
}

// GetAPIKey returns the stored credential for a provider.
func (s *Store) GetAPIKey(profileID, provider string) (packet.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var k packet.APIKey
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, profile_id, provider, key_ciphertext, created_at, updated_at
		FROM api_keys WHERE profile_id = ? AND provider = ?`,
		profileID, provider,
	).Scan(&k.ID, &k.ProfileID, &k.Provider, &k.Key, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return packet.APIKey{}, packet.ErrNotFound
	}
	if err != nil {
		return packet.APIKey{}, err
	}
	if k.CreatedAt, err = parseTime(createdAt); err != nil {
		return packet.APIKey{}, fmt.Errorf("parsing created_at for api key: %w", err)
	}
	if k.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return packet.APIKey{}, fmt.Errorf("parsing updated_at for api key: %w", err)
	}
	return k, nil
}

// DeleteAPIKey removes a provider credential.
func (s *Store) DeleteAPIKey(profileID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning api key transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM api_keys WHERE profile_id = ? AND provider = ?", profileID, provider)
	if err != nil {
		return fmt.Errorf("deleting api key for %s: %w", provider, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return packet.ErrNotFound
	}
	if err := appendUpdate(tx, packet.TypeAPIKey, apiKeyLogID(profileID, provider), opDelete, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// ListAPIKeys returns all credentials for a profile, values included.
func (s *Store) ListAPIKeys(profileID string) ([]packet.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, profile_id, provider, key_ciphertext, created_at, updated_at
		FROM api_keys WHERE profile_id = ? ORDER BY provider ASC`, profileID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var keys []packet.APIKey
	for rows.Next() {
		var k packet.APIKey
		var createdAt, updatedAt string
		if err := rows.Scan(&k.ID, &k.ProfileID, &k.Provider, &k.Key, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if k.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for api key: %w", err)
		}
		if k.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at for api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- time encoding ---

// timeLayout is RFC3339 with a fixed nine-digit fraction. The width matters:
// ORDER BY and the created_at range filters compare the stored text, and a
// trimmed fraction like ".12Z" would sort after ".123Z" ('Z' > '3').
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
