package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/firstdataunion/vault/internal/packet"
)

// Mutation operations recorded in the update log.
const (
	opCreate = "create"
	opUpdate = "update"
	opDelete = "delete"
)

// UpdateEntry is one row of the append-only update log. The log is the basis
// for incremental conflict detection during sync: every mutation appends
// exactly one entry in the same transaction.
type UpdateEntry struct {
	Seq       int64
	Type      packet.ResourceType
	PacketID  string
	Op        string
	Timestamp time.Time
}

func appendUpdate(tx *sql.Tx, rt packet.ResourceType, id, op string, ts time.Time) error {
	if _, err := tx.Exec(
		"INSERT INTO data_packet_updates (resource_type, packet_id, op, ts) VALUES (?, ?, ?, ?)",
		string(rt), id, op, formatTime(ts),
	); err != nil {
		return fmt.Errorf("appending update log entry for %s: %w", id, err)
	}
	return nil
}

// Updates returns log entries with seq > sinceSeq in append order.
func (s *Store) Updates(sinceSeq int64) ([]UpdateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT seq, resource_type, packet_id, op, ts FROM data_packet_updates WHERE seq > ? ORDER BY seq ASC",
		sinceSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("querying update log: %w", err)
	}
	defer rows.Close()

	var entries []UpdateEntry
	for rows.Next() {
		var e UpdateEntry
		var rt, ts string
		if err := rows.Scan(&e.Seq, &rt, &e.PacketID, &e.Op, &ts); err != nil {
			return nil, err
		}
		e.Type = packet.ResourceType(rt)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing update log timestamp: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MaxUpdateSeq returns the sequence number of the newest log entry, or 0 for
// an empty log. The sync engine uses it as the local revision counter.
func (s *Store) MaxUpdateSeq() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(seq) FROM data_packet_updates").Scan(&seq); err != nil {
		return 0, fmt.Errorf("reading max update seq: %w", err)
	}
	return seq.Int64, nil
}

// CompactUpdateLog drops all but the newest entry per (resource_type,
// packet_id) among entries with seq <= beforeSeq. The sync engine calls this
// after a successful cycle so the log stays bounded while later changes
// remain detectable.
func (s *Store) CompactUpdateLog(beforeSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM data_packet_updates
		WHERE seq <= ?
		  AND seq NOT IN (
			SELECT MAX(seq) FROM data_packet_updates
			WHERE seq <= ?
			GROUP BY resource_type, packet_id
		  )`, beforeSeq, beforeSeq)
	if err != nil {
		return fmt.Errorf("compacting update log: %w", err)
	}
	return nil
}
