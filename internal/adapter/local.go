package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/firstdataunion/vault/internal/packet"
)

// Key layout inside badger. Packets are JSON values; the request index maps a
// request ID back to the packet it created so retries stay idempotent.
const (
	packetPrefix  = "packet/"  // packet/<type>/<id>
	requestPrefix = "reqidx/"  // reqidx/<type>/<request_id> -> packet id
	apiKeyPrefix  = "apikey/"  // apikey/<profile_id>/<provider>
)

// Local stores everything in an embedded badger database on disk. It has no
// remote half and therefore never fails for connectivity reasons.
type Local struct {
	db *badger.DB
}

// NewLocal opens (or creates) the badger database under dir.
func NewLocal(dir string) (*Local, error) {
	opts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}
	return &Local{db: db}, nil
}

func (l *Local) Close() error { return l.db.Close() }

func (l *Local) Online(ctx context.Context) bool { return true }

func packetKey(rt packet.ResourceType, id string) []byte {
	return []byte(packetPrefix + string(rt) + "/" + id)
}

func requestKey(rt packet.ResourceType, requestID string) []byte {
	return []byte(requestPrefix + string(rt) + "/" + requestID)
}

func apiKeyKey(profileID, provider string) []byte {
	return []byte(apiKeyPrefix + profileID + "/" + provider)
}

func (l *Local) Create(ctx context.Context, p packet.DataPacket) (packet.DataPacket, error) {
	stampForCreate(&p, time.Now().UTC())

	err := l.db.Update(func(txn *badger.Txn) error {
		if p.RequestID != "" {
			item, err := txn.Get(requestKey(p.Type, p.RequestID))
			switch {
			case err == nil:
				var existingID string
				if err := item.Value(func(val []byte) error {
					existingID = string(val)
					return nil
				}); err != nil {
					return err
				}
				existing, err := getPacketTxn(txn, p.Type, existingID)
				if err == nil {
					p = existing
					return nil
				}
				if !errors.Is(err, packet.ErrNotFound) {
					return err
				}
				// Packet was deleted since; fall through to a fresh create.
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
		}

		if _, err := txn.Get(packetKey(p.Type, p.ID)); err == nil {
			return &packet.DuplicateIDError{Type: p.Type, ID: p.ID}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := setPacketTxn(txn, p); err != nil {
			return err
		}
		if p.RequestID != "" {
			return txn.Set(requestKey(p.Type, p.RequestID), []byte(p.ID))
		}
		return nil
	})
	if err != nil {
		return packet.DataPacket{}, err
	}
	return p, nil
}

func (l *Local) Update(ctx context.Context, p packet.DataPacket) (packet.DataPacket, error) {
	err := l.db.Update(func(txn *badger.Txn) error {
		existing, err := getPacketTxn(txn, p.Type, p.ID)
		if err != nil {
			return err
		}
		stampForUpdate(&p, existing, time.Now().UTC())
		p.RequestID = existing.RequestID
		return setPacketTxn(txn, p)
	})
	if err != nil {
		return packet.DataPacket{}, err
	}
	return p, nil
}

func (l *Local) Get(ctx context.Context, rt packet.ResourceType, id string) (packet.DataPacket, error) {
	var p packet.DataPacket
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		p, err = getPacketTxn(txn, rt, id)
		return err
	})
	if err != nil {
		return packet.DataPacket{}, err
	}
	return p, nil
}

func (l *Local) List(ctx context.Context, rt packet.ResourceType, profileID string, f packet.Filter, pg packet.Page) ([]packet.DataPacket, error) {
	var out []packet.DataPacket
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(packetPrefix + string(rt) + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p packet.DataPacket
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				return fmt.Errorf("decoding stored packet: %w", err)
			}
			if !matchesProfile(p, profileID) || !matchesFilter(p, f) {
				continue
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sortAndPage(out, pg), nil
}

func (l *Local) Delete(ctx context.Context, rt packet.ResourceType, id string) error {
	return l.db.Update(func(txn *badger.Txn) error {
		p, err := getPacketTxn(txn, rt, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(packetKey(rt, id)); err != nil {
			return err
		}
		if p.RequestID != "" {
			if err := txn.Delete(requestKey(rt, p.RequestID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Local) SaveAPIKey(ctx context.Context, k packet.APIKey) (packet.APIKey, error) {
	now := time.Now().UTC()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = now
	}
	k.UpdatedAt = now

	err := l.db.Update(func(txn *badger.Txn) error {
		// Upsert keeps the original creation time.
		if item, err := txn.Get(apiKeyKey(k.ProfileID, k.Provider)); err == nil {
			var existing packet.APIKey
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err == nil {
				k.ID = existing.ID
				k.CreatedAt = existing.CreatedAt
			}
		}
		data, err := json.Marshal(k)
		if err != nil {
			return fmt.Errorf("encoding api key: %w", err)
		}
		return txn.Set(apiKeyKey(k.ProfileID, k.Provider), data)
	})
	if err != nil {
		return packet.APIKey{}, err
	}
	return k, nil
}

func (l *Local) APIKey(ctx context.Context, profileID, provider string) (packet.APIKey, error) {
	var k packet.APIKey
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(apiKeyKey(profileID, provider))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return packet.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &k)
		})
	})
	if err != nil {
		return packet.APIKey{}, err
	}
	return k, nil
}

func (l *Local) APIKeys(ctx context.Context, profileID string) ([]packet.APIKey, error) {
	var out []packet.APIKey
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(apiKeyPrefix + profileID + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var k packet.APIKey
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &k)
			}); err != nil {
				return fmt.Errorf("decoding stored api key: %w", err)
			}
			out = append(out, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Local) DeleteAPIKey(ctx context.Context, profileID, provider string) error {
	return l.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(apiKeyKey(profileID, provider)); errors.Is(err, badger.ErrKeyNotFound) {
			return packet.ErrNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(apiKeyKey(profileID, provider))
	})
}

func getPacketTxn(txn *badger.Txn, rt packet.ResourceType, id string) (packet.DataPacket, error) {
	var p packet.DataPacket
	item, err := txn.Get(packetKey(rt, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return p, packet.ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &p)
	}); err != nil {
		return p, fmt.Errorf("decoding stored packet: %w", err)
	}
	return p, nil
}

func setPacketTxn(txn *badger.Txn, p packet.DataPacket) error {
	if strings.Contains(p.ID, "/") {
		return fmt.Errorf("packet id %q must not contain '/'", p.ID)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding packet: %w", err)
	}
	return txn.Set(packetKey(p.Type, p.ID), data)
}
