// Package adapter defines the storage backends the vault can run on. All
// three implementations expose identical operations and error semantics, so
// the façade and the HTTP layer never branch on which one is active.
package adapter

import (
	"context"
	"sort"
	"time"

	"github.com/firstdataunion/vault/internal/packet"
)

// Adapter is the contract every storage backend satisfies. Create is
// idempotent on RequestID: retrying a create with the same request ID returns
// the originally stored packet without writing anything.
type Adapter interface {
	Create(ctx context.Context, p packet.DataPacket) (packet.DataPacket, error)
	Update(ctx context.Context, p packet.DataPacket) (packet.DataPacket, error)
	Get(ctx context.Context, rt packet.ResourceType, id string) (packet.DataPacket, error)
	List(ctx context.Context, rt packet.ResourceType, profileID string, f packet.Filter, pg packet.Page) ([]packet.DataPacket, error)
	Delete(ctx context.Context, rt packet.ResourceType, id string) error

	SaveAPIKey(ctx context.Context, k packet.APIKey) (packet.APIKey, error)
	APIKey(ctx context.Context, profileID, provider string) (packet.APIKey, error)
	APIKeys(ctx context.Context, profileID string) ([]packet.APIKey, error)
	DeleteAPIKey(ctx context.Context, profileID, provider string) error

	// Online reports whether the backend's remote half is reachable. Local
	// and filesystem backends are always online.
	Online(ctx context.Context) bool

	Close() error
}

// matchesProfile treats an empty profile ID as "all profiles", matching the
// SQL behavior of the cloud backend.
func matchesProfile(p packet.DataPacket, profileID string) bool {
	return profileID == "" || p.ProfileID == profileID
}

// matchesFilter applies tag and time-range constraints in memory. The local
// and filesystem adapters use it; the cloud adapter filters in SQL.
func matchesFilter(p packet.DataPacket, f packet.Filter) bool {
	for _, want := range f.Tags {
		found := false
		for _, tag := range p.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && p.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && p.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// sortAndPage orders packets newest-first (updated_at descending, id
// ascending as tie-break) and applies offset/limit. Matches the SQL ordering
// so results look identical across backends.
func sortAndPage(packets []packet.DataPacket, pg packet.Page) []packet.DataPacket {
	sort.Slice(packets, func(i, j int) bool {
		if !packets[i].UpdatedAt.Equal(packets[j].UpdatedAt) {
			return packets[i].UpdatedAt.After(packets[j].UpdatedAt)
		}
		return packets[i].ID < packets[j].ID
	})

	if pg.Offset >= len(packets) {
		return nil
	}
	packets = packets[pg.Offset:]
	if limit := pg.EffectiveLimit(); len(packets) > limit {
		packets = packets[:limit]
	}
	return packets
}

// stampForCreate fills server-side fields on a new packet.
func stampForCreate(p *packet.DataPacket, now time.Time) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
}

// stampForUpdate advances UpdatedAt monotonically past the stored packet's.
func stampForUpdate(p *packet.DataPacket, existing packet.DataPacket, now time.Time) {
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = now
	if !p.UpdatedAt.After(existing.UpdatedAt) {
		p.UpdatedAt = existing.UpdatedAt.Add(time.Nanosecond)
	}
}
