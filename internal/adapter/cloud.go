package adapter

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/firstdataunion/vault/internal/database"
	"github.com/firstdataunion/vault/internal/packet"
)

// Cipher is the slice of the encryption service the cloud adapter needs.
// Implemented by crypto.Service.
type Cipher interface {
	Encrypt(ctx context.Context, userID, authToken string, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, userID, authToken, encoded string) ([]byte, error)
}

// Cloud reads and writes the embedded relational store that the sync engine
// ships to the blob store. Packets are stored as structured rows; API key
// values pass through the encryption service so they are never at rest in
// plaintext.
type Cloud struct {
	store  *database.Store
	cipher Cipher

	userID    string
	authToken string

	online atomic.Bool
}

// NewCloud wraps the given store. userID and authToken identify the signed-in
// user to the encryption service.
func NewCloud(store *database.Store, cipher Cipher, userID, authToken string) *Cloud {
	c := &Cloud{store: store, cipher: cipher, userID: userID, authToken: authToken}
	c.online.Store(true)
	return c
}

// Store exposes the underlying database for the sync engine, which needs
// export/import and update-log access beyond the Adapter surface.
func (c *Cloud) Store() *database.Store { return c.store }

// SetOnline records the result of the last blob-store contact. The sync
// engine calls this after each cycle.
func (c *Cloud) SetOnline(ok bool) { c.online.Store(ok) }

func (c *Cloud) Online(ctx context.Context) bool { return c.online.Load() }

func (c *Cloud) Close() error { return c.store.Close() }

func (c *Cloud) Create(ctx context.Context, p packet.DataPacket) (packet.DataPacket, error) {
	return c.store.InsertPacket(p)
}

func (c *Cloud) Update(ctx context.Context, p packet.DataPacket) (packet.DataPacket, error) {
	return c.store.UpdatePacket(p)
}

func (c *Cloud) Get(ctx context.Context, rt packet.ResourceType, id string) (packet.DataPacket, error) {
	return c.store.GetPacket(rt, id)
}

func (c *Cloud) List(ctx context.Context, rt packet.ResourceType, profileID string, f packet.Filter, pg packet.Page) ([]packet.DataPacket, error) {
	return c.store.QueryPackets(rt, profileID, f, pg)
}

func (c *Cloud) Delete(ctx context.Context, rt packet.ResourceType, id string) error {
	return c.store.DeletePacket(rt, id)
}

func (c *Cloud) SaveAPIKey(ctx context.Context, k packet.APIKey) (packet.APIKey, error) {
	sealed, err := c.cipher.Encrypt(ctx, c.userID, c.authToken, []byte(k.Key))
	if err != nil {
		return packet.APIKey{}, fmt.Errorf("sealing api key for %s: %w", k.Provider, err)
	}
	stored := k
	stored.Key = sealed

	saved, err := c.store.SaveAPIKey(stored)
	if err != nil {
		return packet.APIKey{}, err
	}
	saved.Key = k.Key
	return saved, nil
}

func (c *Cloud) APIKey(ctx context.Context, profileID, provider string) (packet.APIKey, error) {
	k, err := c.store.GetAPIKey(profileID, provider)
	if err != nil {
		return packet.APIKey{}, err
	}
	plain, err := c.cipher.Decrypt(ctx, c.userID, c.authToken, k.Key)
	if err != nil {
		return packet.APIKey{}, fmt.Errorf("unsealing api key for %s: %w", provider, err)
	}
	k.Key = string(plain)
	return k, nil
}

func (c *Cloud) APIKeys(ctx context.Context, profileID string) ([]packet.APIKey, error) {
	keys, err := c.store.ListAPIKeys(profileID)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		plain, err := c.cipher.Decrypt(ctx, c.userID, c.authToken, keys[i].Key)
		if err != nil {
			return nil, fmt.Errorf("unsealing api key for %s: %w", keys[i].Provider, err)
		}
		keys[i].Key = string(plain)
	}
	return keys, nil
}

func (c *Cloud) DeleteAPIKey(ctx context.Context, profileID, provider string) error {
	return c.store.DeleteAPIKey(profileID, provider)
}
