package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/firstdataunion/vault/internal/packet"
)

// Filesystem stores one JSON file per packet under a directory the user
// explicitly granted. The grant can disappear at any time (directory removed,
// permissions revoked), so every operation re-verifies it and fails with
// NoDirectoryAccessError when it is gone. API key reads degrade to empty
// results instead, so callers can still render settings screens; API key
// writes fail like everything else.
type Filesystem struct {
	root string
}

// NewFilesystem creates an adapter rooted at dir. The grant is verified once
// here and again on every call.
func NewFilesystem(dir string) (*Filesystem, error) {
	f := &Filesystem{root: dir}
	if err := f.checkGrant(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Filesystem) Close() error { return nil }

func (f *Filesystem) Online(ctx context.Context) bool { return true }

func (f *Filesystem) checkGrant() error {
	info, err := os.Stat(f.root)
	if err != nil || !info.IsDir() {
		return &packet.NoDirectoryAccessError{Dir: f.root}
	}
	return nil
}

func (f *Filesystem) packetPath(rt packet.ResourceType, id string) string {
	return filepath.Join(f.root, string(rt), id+".json")
}

func (f *Filesystem) apiKeyPath(profileID, provider string) string {
	return filepath.Join(f.root, "api_keys", profileID, provider+".json")
}

func (f *Filesystem) Create(ctx context.Context, p packet.DataPacket) (packet.DataPacket, error) {
	if err := f.checkGrant(); err != nil {
		return packet.DataPacket{}, err
	}
	if strings.Contains(p.ID, string(filepath.Separator)) || strings.Contains(p.ID, "..") {
		return packet.DataPacket{}, fmt.Errorf("packet id %q is not a valid file name", p.ID)
	}

	if p.RequestID != "" {
		if existing, err := f.findByRequestID(p.Type, p.RequestID); err == nil {
			return existing, nil
		} else if !errors.Is(err, packet.ErrNotFound) {
			return packet.DataPacket{}, err
		}
	}

	path := f.packetPath(p.Type, p.ID)
	if _, err := os.Stat(path); err == nil {
		return packet.DataPacket{}, &packet.DuplicateIDError{Type: p.Type, ID: p.ID}
	}

	stampForCreate(&p, time.Now().UTC())
	if err := f.writePacket(path, p); err != nil {
		return packet.DataPacket{}, err
	}
	return p, nil
}

func (f *Filesystem) Update(ctx context.Context, p packet.DataPacket) (packet.DataPacket, error) {
	if err := f.checkGrant(); err != nil {
		return packet.DataPacket{}, err
	}
	existing, err := f.readPacket(f.packetPath(p.Type, p.ID))
	if err != nil {
		return packet.DataPacket{}, err
	}
	stampForUpdate(&p, existing, time.Now().UTC())
	p.RequestID = existing.RequestID
	if err := f.writePacket(f.packetPath(p.Type, p.ID), p); err != nil {
		return packet.DataPacket{}, err
	}
	return p, nil
}

func (f *Filesystem) Get(ctx context.Context, rt packet.ResourceType, id string) (packet.DataPacket, error) {
	if err := f.checkGrant(); err != nil {
		return packet.DataPacket{}, err
	}
	return f.readPacket(f.packetPath(rt, id))
}

func (f *Filesystem) List(ctx context.Context, rt packet.ResourceType, profileID string, fl packet.Filter, pg packet.Page) ([]packet.DataPacket, error) {
	if err := f.checkGrant(); err != nil {
		return nil, err
	}

	var out []packet.DataPacket
	err := f.walkPackets(rt, func(p packet.DataPacket) {
		if matchesProfile(p, profileID) && matchesFilter(p, fl) {
			out = append(out, p)
		}
	})
	if err != nil {
		return nil, err
	}
	return sortAndPage(out, pg), nil
}

func (f *Filesystem) Delete(ctx context.Context, rt packet.ResourceType, id string) error {
	if err := f.checkGrant(); err != nil {
		return err
	}
	err := os.Remove(f.packetPath(rt, id))
	if errors.Is(err, fs.ErrNotExist) {
		return packet.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("removing packet file: %w", err)
	}
	return nil
}

func (f *Filesystem) SaveAPIKey(ctx context.Context, k packet.APIKey) (packet.APIKey, error) {
	if err := f.checkGrant(); err != nil {
		return packet.APIKey{}, err
	}
	now := time.Now().UTC()
	if existing, err := f.readAPIKey(k.ProfileID, k.Provider); err == nil {
		k.ID = existing.ID
		k.CreatedAt = existing.CreatedAt
	} else if k.CreatedAt.IsZero() {
		k.CreatedAt = now
	}
	k.UpdatedAt = now

	path := f.apiKeyPath(k.ProfileID, k.Provider)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return packet.APIKey{}, fmt.Errorf("creating api key directory: %w", err)
	}
	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return packet.APIKey{}, fmt.Errorf("encoding api key: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return packet.APIKey{}, fmt.Errorf("writing api key file: %w", err)
	}
	return k, nil
}

func (f *Filesystem) APIKey(ctx context.Context, profileID, provider string) (packet.APIKey, error) {
	if err := f.checkGrant(); err != nil {
		// Reads degrade: a revoked grant looks like "no key stored".
		return packet.APIKey{}, packet.ErrNotFound
	}
	return f.readAPIKey(profileID, provider)
}

func (f *Filesystem) APIKeys(ctx context.Context, profileID string) ([]packet.APIKey, error) {
	if err := f.checkGrant(); err != nil {
		return nil, nil
	}
	dir := filepath.Join(f.root, "api_keys", profileID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading api key directory: %w", err)
	}

	var out []packet.APIKey
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		k, err := f.readAPIKey(profileID, strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

func (f *Filesystem) DeleteAPIKey(ctx context.Context, profileID, provider string) error {
	if err := f.checkGrant(); err != nil {
		return err
	}
	err := os.Remove(f.apiKeyPath(profileID, provider))
	if errors.Is(err, fs.ErrNotExist) {
		return packet.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("removing api key file: %w", err)
	}
	return nil
}

func (f *Filesystem) readAPIKey(profileID, provider string) (packet.APIKey, error) {
	data, err := os.ReadFile(f.apiKeyPath(profileID, provider))
	if errors.Is(err, fs.ErrNotExist) {
		return packet.APIKey{}, packet.ErrNotFound
	}
	if err != nil {
		return packet.APIKey{}, fmt.Errorf("reading api key file: %w", err)
	}
	var k packet.APIKey
	if err := json.Unmarshal(data, &k); err != nil {
		return packet.APIKey{}, fmt.Errorf("decoding api key file: %w", err)
	}
	return k, nil
}

func (f *Filesystem) readPacket(path string) (packet.DataPacket, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return packet.DataPacket{}, packet.ErrNotFound
	}
	if err != nil {
		return packet.DataPacket{}, fmt.Errorf("reading packet file: %w", err)
	}
	var p packet.DataPacket
	if err := json.Unmarshal(data, &p); err != nil {
		return packet.DataPacket{}, fmt.Errorf("decoding packet file %s: %w", filepath.Base(path), err)
	}
	return p, nil
}

func (f *Filesystem) writePacket(path string, p packet.DataPacket) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating packet directory: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding packet: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing packet file: %w", err)
	}
	return nil
}

// findByRequestID scans a resource type's files for a packet created by the
// given request. Linear, but the scan only runs on create retries.
func (f *Filesystem) findByRequestID(rt packet.ResourceType, requestID string) (packet.DataPacket, error) {
	var found packet.DataPacket
	var ok bool
	err := f.walkPackets(rt, func(p packet.DataPacket) {
		if p.RequestID == requestID {
			found, ok = p, true
		}
	})
	if err != nil {
		return packet.DataPacket{}, err
	}
	if !ok {
		return packet.DataPacket{}, packet.ErrNotFound
	}
	return found, nil
}

func (f *Filesystem) walkPackets(rt packet.ResourceType, visit func(packet.DataPacket)) error {
	dir := filepath.Join(f.root, string(rt))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading packet directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		p, err := f.readPacket(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		visit(p)
	}
	return nil
}
