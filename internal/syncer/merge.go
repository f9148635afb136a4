package syncer

import (
	"errors"
	"fmt"

	"github.com/firstdataunion/vault/internal/database"
	"github.com/firstdataunion/vault/internal/packet"
)

type resourceKey struct {
	rt packet.ResourceType
	id string
}

// merge folds a remote snapshot into the local store. Conflicts are resolved
// per resource: the side whose last recorded mutation has the later timestamp
// wins; on an exact tie the local side wins, so a device never loses its own
// write to an equally-old remote one. The decision depends only on the two
// update logs, never on which device runs the merge, which is what makes the
// outcome deterministic.
func (e *Engine) merge(remoteData []byte) error {
	remote, err := database.Open(":memory:")
	if err != nil {
		return fmt.Errorf("opening merge store: %w", err)
	}
	defer remote.Close()

	if err := remote.ImportBytes(remoteData); err != nil {
		return fmt.Errorf("loading remote snapshot for merge: %w", err)
	}

	localLatest, err := latestByResource(e.store)
	if err != nil {
		return fmt.Errorf("reading local update log: %w", err)
	}
	remoteLatest, err := latestByResource(remote)
	if err != nil {
		return fmt.Errorf("reading remote update log: %w", err)
	}

	for key, re := range remoteLatest {
		if key.rt == packet.TypeAPIKey {
			// Credential log entries only mark the api_keys table dirty; the
			// values themselves merge below, by updated_at.
			continue
		}
		if le, ok := localLatest[key]; ok && !re.Timestamp.After(le.Timestamp) {
			continue // local wins: strictly newer, or tied
		}

		if re.Op == "delete" {
			if err := e.store.ApplyRemoteDelete(key.rt, key.id, re.Timestamp); err != nil {
				return err
			}
			continue
		}

		p, err := remote.GetPacket(key.rt, key.id)
		if errors.Is(err, packet.ErrNotFound) {
			// Log entry with no row: treat as deleted remotely.
			if err := e.store.ApplyRemoteDelete(key.rt, key.id, re.Timestamp); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("reading remote packet %s: %w", key.id, err)
		}
		if err := e.store.ApplyRemotePacket(p); err != nil {
			return err
		}
	}

	return e.mergeAPIKeys(remote)
}

// mergeAPIKeys folds remote credentials in by updated_at, later wins. API
// keys have no tombstones, so a credential deleted on only one device
// reappears after sync; callers rotate keys rather than rely on delete
// propagation.
func (e *Engine) mergeAPIKeys(remote *database.Store) error {
	remoteKeys, err := remote.AllAPIKeys()
	if err != nil {
		return fmt.Errorf("reading remote api keys: %w", err)
	}

	for _, rk := range remoteKeys {
		lk, err := e.store.GetAPIKey(rk.ProfileID, rk.Provider)
		switch {
		case errors.Is(err, packet.ErrNotFound):
			// fall through to apply
		case err != nil:
			return fmt.Errorf("reading local api key: %w", err)
		case !rk.UpdatedAt.After(lk.UpdatedAt):
			continue // local wins
		}
		if err := e.store.ApplyRemoteAPIKey(rk); err != nil {
			return err
		}
	}
	return nil
}

// latestByResource reduces a store's update log to the newest entry per
// resource. Compaction already enforces this shape for synced history; this
// handles the uncompacted tail the same way.
func latestByResource(s *database.Store) (map[resourceKey]database.UpdateEntry, error) {
	entries, err := s.Updates(0)
	if err != nil {
		return nil, err
	}
	latest := make(map[resourceKey]database.UpdateEntry, len(entries))
	for _, entry := range entries {
		key := resourceKey{rt: entry.Type, id: entry.PacketID}
		if prev, ok := latest[key]; !ok || entry.Seq > prev.Seq {
			latest[key] = entry
		}
	}
	return latest, nil
}
