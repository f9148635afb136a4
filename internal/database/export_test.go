package database

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/firstdataunion/vault/internal/packet"
)

func TestExportImportRoundTrip(t *testing.T) {
	src := openTestStore(t)

	p1, err := src.InsertPacket(testPacket("c1", "p1"))
	if err != nil {
		t.Fatalf("InsertPacket c1: %v", err)
	}
	p1.Payload = json.RawMessage(`{"title":"edited"}`)
	if _, err := src.UpdatePacket(p1); err != nil {
		t.Fatalf("UpdatePacket: %v", err)
	}
	if _, err := src.InsertPacket(testPacket("c2", "p1")); err != nil {
		t.Fatalf("InsertPacket c2: %v", err)
	}
	if _, err := src.SaveAPIKey(packet.APIKey{ID: "k1", ProfileID: "p1", Provider: "openai", Key: "blob"}); err != nil {
		t.Fatalf("SaveAPIKey: %v", err)
	}

	data, err := src.ExportBytes()
	if err != nil {
		t.Fatalf("ExportBytes: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("export produced no bytes")
	}

	dst := openTestStore(t)
	if _, err := dst.InsertPacket(testPacket("stale", "p9")); err != nil {
		t.Fatalf("InsertPacket stale: %v", err)
	}
	if err := dst.ImportBytes(data); err != nil {
		t.Fatalf("ImportBytes: %v", err)
	}

	// Pre-import contents are fully replaced.
	if _, err := dst.GetPacket(packet.TypeConversation, "stale"); !errors.Is(err, packet.ErrNotFound) {
		t.Errorf("expected stale row gone after import, got %v", err)
	}

	got, err := dst.GetPacket(packet.TypeConversation, "c1")
	if err != nil {
		t.Fatalf("GetPacket c1 after import: %v", err)
	}
	if string(got.Payload) != `{"title":"edited"}` {
		t.Errorf("payload mismatch after import: %s", got.Payload)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "work" {
		t.Errorf("tags mismatch after import: %v", got.Tags)
	}

	key, err := dst.GetAPIKey("p1", "openai")
	if err != nil {
		t.Fatalf("GetAPIKey after import: %v", err)
	}
	if key.Key != "blob" {
		t.Errorf("api key mismatch after import: %q", key.Key)
	}

	// The update log travels with the export.
	srcEntries, err := src.Updates(0)
	if err != nil {
		t.Fatalf("src Updates: %v", err)
	}
	dstEntries, err := dst.Updates(0)
	if err != nil {
		t.Fatalf("dst Updates: %v", err)
	}
	if len(srcEntries) != len(dstEntries) {
		t.Fatalf("update log length mismatch: %d vs %d", len(srcEntries), len(dstEntries))
	}
	for i := range srcEntries {
		if srcEntries[i].Seq != dstEntries[i].Seq || srcEntries[i].Op != dstEntries[i].Op {
			t.Errorf("entry %d mismatch: %+v vs %+v", i, srcEntries[i], dstEntries[i])
		}
	}
}

func TestImportSequenceNotReused(t *testing.T) {
	src := openTestStore(t)
	if _, err := src.InsertPacket(testPacket("c1", "p1")); err != nil {
		t.Fatalf("InsertPacket: %v", err)
	}
	maxSeq, err := src.MaxUpdateSeq()
	if err != nil {
		t.Fatalf("MaxUpdateSeq: %v", err)
	}

	data, err := src.ExportBytes()
	if err != nil {
		t.Fatalf("ExportBytes: %v", err)
	}

	dst := openTestStore(t)
	if err := dst.ImportBytes(data); err != nil {
		t.Fatalf("ImportBytes: %v", err)
	}
	if _, err := dst.InsertPacket(testPacket("c2", "p1")); err != nil {
		t.Fatalf("InsertPacket after import: %v", err)
	}
	entries, err := dst.Updates(maxSeq)
	if err != nil {
		t.Fatalf("Updates: %v", err)
	}
	if len(entries) != 1 || entries[0].Seq <= maxSeq {
		t.Errorf("expected one fresh entry with seq > %d, got %+v", maxSeq, entries)
	}
}

func TestImportRejectsGarbage(t *testing.T) {
	s := openTestStore(t)

	if err := s.ImportBytes([]byte("this is not a database")); err == nil {
		t.Fatal("expected error for garbage input")
	}

	// The store must remain usable after a rejected import.
	if _, err := s.InsertPacket(testPacket("c1", "p1")); err != nil {
		t.Errorf("store unusable after rejected import: %v", err)
	}
}

func TestReset(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.InsertPacket(testPacket("c1", "p1")); err != nil {
		t.Fatalf("InsertPacket: %v", err)
	}
	if _, err := s.SaveAPIKey(packet.APIKey{ID: "k1", ProfileID: "p1", Provider: "openai", Key: "blob"}); err != nil {
		t.Fatalf("SaveAPIKey: %v", err)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	rows, err := s.QueryPackets(packet.TypeConversation, "p1", packet.Filter{}, packet.Page{})
	if err != nil {
		t.Fatalf("QueryPackets: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected empty store after reset, got %d rows", len(rows))
	}
	entries, err := s.Updates(0)
	if err != nil {
		t.Fatalf("Updates: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty update log after reset, got %d", len(entries))
	}
}

func TestImportKeepsSingleSequenceRow(t *testing.T) {
	src := openTestStore(t)
	if _, err := src.InsertPacket(testPacket("c1", "p1")); err != nil {
		t.Fatalf("InsertPacket: %v", err)
	}
	data, err := src.ExportBytes()
	if err != nil {
		t.Fatalf("ExportBytes: %v", err)
	}

	dst := openTestStore(t)
	if _, err := dst.InsertPacket(testPacket("c0", "p1")); err != nil {
		t.Fatalf("InsertPacket: %v", err)
	}
	// Repeated imports must update the autoincrement bookkeeping in place,
	// not stack a second row for the table.
	if err := dst.ImportBytes(data); err != nil {
		t.Fatalf("first ImportBytes: %v", err)
	}
	if err := dst.ImportBytes(data); err != nil {
		t.Fatalf("second ImportBytes: %v", err)
	}

	var n int
	if err := dst.db.QueryRow("SELECT COUNT(*) FROM sqlite_sequence WHERE name = 'data_packet_updates'").Scan(&n); err != nil {
		t.Fatalf("counting sequence rows: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one sqlite_sequence row for the update log, got %d", n)
	}
}
