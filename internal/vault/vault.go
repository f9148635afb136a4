// Package vault is the unified storage service: one resource-oriented API in
// front of whichever storage backend is active. It owns the mode state
// machine, constructs and tears down adapters on initialize/switch, and keeps
// transitions atomic so no caller ever observes a half-built backend.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/firstdataunion/vault/internal/adapter"
	"github.com/firstdataunion/vault/internal/blob"
	"github.com/firstdataunion/vault/internal/crypto"
	"github.com/firstdataunion/vault/internal/database"
	"github.com/firstdataunion/vault/internal/packet"
	"github.com/firstdataunion/vault/internal/syncer"
)

// Mode names the active storage backend.
type Mode string

const (
	ModeUninitialized Mode = "uninitialized"
	ModeLocal         Mode = "local"
	ModeCloud         Mode = "cloud"
	ModeFilesystem    Mode = "filesystem"
)

// ErrWrongMode is returned for operations that only make sense in cloud mode,
// such as triggering a sync.
var ErrWrongMode = errors.New("operation requires cloud mode")

// Options carries everything any backend might need; each mode reads only its
// own fields.
type Options struct {
	// DataDir hosts the local KV store and the cloud database file.
	DataDir string

	// Cloud mode.
	UserID             string
	AuthToken          string
	IdentityServiceURL string
	BlobStoreURL       string
	SyncInterval       time.Duration

	// Filesystem mode: the user-granted directory.
	Directory string
}

const migrateBatch = 200

// Service is the façade. All state transitions and delegations go through
// one mutex; adapters themselves handle their own internal concurrency.
type Service struct {
	mu       sync.Mutex
	mode     Mode
	active   adapter.Adapter
	engine   *syncer.Engine
	stopSync context.CancelFunc
	syncDone chan struct{}

	// Backend constructors, swappable in tests.
	newLocal      func(Options) (adapter.Adapter, error)
	newCloud      func(Options) (adapter.Adapter, *syncer.Engine, error)
	newFilesystem func(Options) (adapter.Adapter, error)
}

// New creates an uninitialized Service.
func New() *Service {
	return &Service{
		mode:          ModeUninitialized,
		newLocal:      buildLocal,
		newCloud:      buildCloud,
		newFilesystem: buildFilesystem,
	}
}

func buildLocal(opts Options) (adapter.Adapter, error) {
	return adapter.NewLocal(filepath.Join(opts.DataDir, "local"))
}

func buildCloud(opts Options) (adapter.Adapter, *syncer.Engine, error) {
	store, err := database.Open(filepath.Join(opts.DataDir, "cloud"))
	if err != nil {
		return nil, nil, err
	}
	cipher := crypto.NewService(crypto.NewKeyClient(opts.IdentityServiceURL))
	cloud := adapter.NewCloud(store, cipher, opts.UserID, opts.AuthToken)
	engine := syncer.New(store, blob.New(opts.BlobStoreURL), cipher, cloud, opts.UserID, opts.AuthToken)
	return cloud, engine, nil
}

func buildFilesystem(opts Options) (adapter.Adapter, error) {
	return adapter.NewFilesystem(opts.Directory)
}

// Mode returns the most recently completed transition's mode.
func (s *Service) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Initialized reports whether any backend is active.
func (s *Service) Initialized() bool {
	return s.Mode() != ModeUninitialized
}

// Initialize activates a backend. Calling it again with the current mode is a
// no-op; with a different mode it behaves exactly like SwitchMode.
func (s *Service) Initialize(ctx context.Context, mode Mode, opts Options) error {
	return s.transition(ctx, mode, opts)
}

// SwitchMode changes the active backend. The previous backend's data packets
// are carried over via idempotent creates, so a resource created offline in
// local mode survives a switch to cloud and the following sync exactly once.
func (s *Service) SwitchMode(ctx context.Context, mode Mode, opts Options) error {
	return s.transition(ctx, mode, opts)
}

func (s *Service) transition(ctx context.Context, mode Mode, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == s.mode {
		return nil
	}

	var next adapter.Adapter
	var engine *syncer.Engine
	var err error
	switch mode {
	case ModeLocal:
		next, err = s.newLocal(opts)
	case ModeCloud:
		next, engine, err = s.newCloud(opts)
	case ModeFilesystem:
		next, err = s.newFilesystem(opts)
	default:
		return fmt.Errorf("unknown storage mode %q", mode)
	}
	if err != nil {
		// The previous backend stays fully active.
		return fmt.Errorf("initializing %s backend: %w", mode, err)
	}

	prev := s.active
	if prev != nil {
		s.teardownLocked(ctx)
		migratePackets(ctx, prev, next)
		if cerr := prev.Close(); cerr != nil {
			slog.Warn("closing previous backend", "mode", s.mode, "error", cerr)
		}
	}

	s.mode = mode
	s.active = next
	s.engine = engine
	if engine != nil && opts.SyncInterval > 0 {
		runCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		s.stopSync = cancel
		s.syncDone = done
		go func() {
			defer close(done)
			engine.Run(runCtx, opts.SyncInterval)
		}()
	}
	return nil
}

// teardownLocked flushes and stops the sync machinery of the outgoing
// backend. Best-effort: a failed flush is logged, never blocks the switch.
func (s *Service) teardownLocked(ctx context.Context) {
	if s.engine != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := s.engine.Sync(flushCtx); err != nil {
			slog.Warn("flushing sync before mode switch", "error", err)
		}
		cancel()
	}
	if s.stopSync != nil {
		s.stopSync()
		<-s.syncDone
		s.stopSync = nil
		s.syncDone = nil
	}
	s.engine = nil
}

// migratePackets copies every packet from one backend into another. Creates
// are idempotent on request ID and duplicate IDs are skipped, so re-running a
// migration (or syncing afterwards) never doubles a resource.
func migratePackets(ctx context.Context, from, to adapter.Adapter) {
	for _, rt := range packet.ResourceTypes {
		offset := 0
		for {
			page, err := from.List(ctx, rt, "", packet.Filter{}, packet.Page{Offset: offset, Limit: migrateBatch})
			if err != nil {
				slog.Warn("reading packets for migration", "resource_type", rt, "error", err)
				break
			}
			for _, p := range page {
				if _, err := to.Create(ctx, p); err != nil {
					var dup *packet.DuplicateIDError
					if !errors.As(err, &dup) {
						slog.Warn("migrating packet", "resource_type", rt, "id", p.ID, "error", err)
					}
				}
			}
			if len(page) < migrateBatch {
				break
			}
			offset += len(page)
		}
	}
}

// Close tears everything down and returns to uninitialized.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return nil
	}
	s.teardownLocked(ctx)
	err := s.active.Close()
	s.active = nil
	s.mode = ModeUninitialized
	return err
}

func (s *Service) current() (adapter.Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, packet.ErrNotInitialized
	}
	return s.active, nil
}

// --- resource delegation ---

func (s *Service) CreatePacket(ctx context.Context, p packet.DataPacket) (packet.DataPacket, error) {
	a, err := s.current()
	if err != nil {
		return packet.DataPacket{}, err
	}
	if !p.Type.Valid() {
		return packet.DataPacket{}, fmt.Errorf("invalid resource type %q", p.Type)
	}
	return a.Create(ctx, p)
}

func (s *Service) UpdatePacket(ctx context.Context, p packet.DataPacket) (packet.DataPacket, error) {
	a, err := s.current()
	if err != nil {
		return packet.DataPacket{}, err
	}
	return a.Update(ctx, p)
}

func (s *Service) GetPacket(ctx context.Context, rt packet.ResourceType, id string) (packet.DataPacket, error) {
	a, err := s.current()
	if err != nil {
		return packet.DataPacket{}, err
	}
	return a.Get(ctx, rt, id)
}

func (s *Service) ListPackets(ctx context.Context, rt packet.ResourceType, profileID string, f packet.Filter, pg packet.Page) ([]packet.DataPacket, error) {
	a, err := s.current()
	if err != nil {
		return nil, err
	}
	return a.List(ctx, rt, profileID, f, pg)
}

func (s *Service) DeletePacket(ctx context.Context, rt packet.ResourceType, id string) error {
	a, err := s.current()
	if err != nil {
		return err
	}
	return a.Delete(ctx, rt, id)
}

// --- api key delegation ---

func (s *Service) SaveAPIKey(ctx context.Context, k packet.APIKey) (packet.APIKey, error) {
	a, err := s.current()
	if err != nil {
		return packet.APIKey{}, err
	}
	return a.SaveAPIKey(ctx, k)
}

func (s *Service) APIKey(ctx context.Context, profileID, provider string) (packet.APIKey, error) {
	a, err := s.current()
	if err != nil {
		return packet.APIKey{}, err
	}
	return a.APIKey(ctx, profileID, provider)
}

// HasAPIKey reports whether a credential exists without exposing its value.
func (s *Service) HasAPIKey(ctx context.Context, profileID, provider string) (bool, error) {
	_, err := s.APIKey(ctx, profileID, provider)
	if errors.Is(err, packet.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) APIKeys(ctx context.Context, profileID string) ([]packet.APIKey, error) {
	a, err := s.current()
	if err != nil {
		return nil, err
	}
	return a.APIKeys(ctx, profileID)
}

func (s *Service) DeleteAPIKey(ctx context.Context, profileID, provider string) error {
	a, err := s.current()
	if err != nil {
		return err
	}
	return a.DeleteAPIKey(ctx, profileID, provider)
}

// Online reports the active backend's reachability.
func (s *Service) Online(ctx context.Context) (bool, error) {
	a, err := s.current()
	if err != nil {
		return false, err
	}
	return a.Online(ctx), nil
}

// --- sync control ---

// SyncNow triggers one sync cycle (coalesced if one is already running).
func (s *Service) SyncNow(ctx context.Context) error {
	e, err := s.currentEngine()
	if err != nil {
		return err
	}
	return e.Sync(ctx)
}

// SyncState returns the sync engine's current bookkeeping.
func (s *Service) SyncState() (syncer.State, error) {
	e, err := s.currentEngine()
	if err != nil {
		return syncer.State{}, err
	}
	return e.State(), nil
}

func (s *Service) currentEngine() (*syncer.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, packet.ErrNotInitialized
	}
	if s.engine == nil {
		return nil, ErrWrongMode
	}
	return s.engine, nil
}
