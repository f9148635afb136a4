package database

import (
	"fmt"
	"time"

	"github.com/firstdataunion/vault/internal/packet"
)

// The Apply* methods are the sync engine's write path. Unlike the CRUD
// methods they preserve the incoming row verbatim, timestamps and request ID
// included, because the row already won the merge on its original device and
// must land here byte-for-byte identical.

// ApplyRemotePacket upserts a packet exactly as given and records the merge
// in the update log under the packet's own timestamp.
func (s *Store) ApplyRemotePacket(p packet.DataPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tagsJSON, err := marshalTags(p.Tags)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning merge transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO data_packets (id, resource_type, profile_id, payload, tags, created_at, updated_at, request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_type, id) DO UPDATE SET
			profile_id = excluded.profile_id,
			payload = excluded.payload,
			tags = excluded.tags,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			request_id = excluded.request_id`,
		p.ID, string(p.Type), p.ProfileID, string(p.Payload), tagsJSON,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt), p.RequestID,
	); err != nil {
		return fmt.Errorf("merging packet %s: %w", p.ID, err)
	}

	if err := syncTags(tx, p.Type, p.ID, p.Tags); err != nil {
		return err
	}
	if err := appendUpdate(tx, p.Type, p.ID, opUpdate, p.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplyRemoteDelete removes a packet that lost the merge to a remote delete.
// Deleting an already-absent packet is fine; the tombstone entry is still
// recorded so a third device sees the delete.
func (s *Store) ApplyRemoteDelete(rt packet.ResourceType, id string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning merge transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM data_packets WHERE resource_type = ? AND id = ?", string(rt), id); err != nil {
		return fmt.Errorf("merging delete of %s: %w", id, err)
	}
	if _, err := tx.Exec("DELETE FROM data_packet_tags WHERE resource_type = ? AND data_packet_id = ?", string(rt), id); err != nil {
		return fmt.Errorf("merging delete of %s tags: %w", id, err)
	}
	if err := appendUpdate(tx, rt, id, opDelete, ts); err != nil {
		return err
	}
	return tx.Commit()
}

// AllAPIKeys returns every stored credential across profiles, ciphertext as
// stored. Only the sync merge reads across profiles.
func (s *Store) AllAPIKeys() ([]packet.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, profile_id, provider, key_ciphertext, created_at, updated_at
		FROM api_keys ORDER BY profile_id ASC, provider ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing all api keys: %w", err)
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

// ApplyRemoteAPIKey upserts a credential preserving its timestamps.
func (s *Store) ApplyRemoteAPIKey(k packet.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO api_keys (id, profile_id, provider, key_ciphertext, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(profile_id, provider) DO UPDATE SET
			key_ciphertext = excluded.key_ciphertext,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		k.ID, k.ProfileID, k.Provider, k.Key, formatTime(k.CreatedAt), formatTime(k.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("merging api key for %s: %w", k.Provider, err)
	}
	return nil
}
