// Package syncer keeps the local embedded database and the remote blob store
// convergent. A sync cycle downloads the remote snapshot, merges it with
// local changes via the update logs (later timestamp wins, local wins ties),
// and uploads the merged result under a compare-and-swap version tag. Cycles
// are single-flight: requests that arrive mid-cycle coalesce into exactly one
// follow-up cycle.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/firstdataunion/vault/internal/blob"
	"github.com/firstdataunion/vault/internal/database"
)

// BlobStore is the slice of the blob client the engine needs.
type BlobStore interface {
	Download(ctx context.Context, authToken string) ([]byte, string, error)
	Upload(ctx context.Context, authToken string, data []byte, ifMatch string) (string, error)
}

// Cipher seals and opens the snapshot for transit. Implemented by
// crypto.Service.
type Cipher interface {
	Encrypt(ctx context.Context, userID, authToken string, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, userID, authToken, encoded string) ([]byte, error)
}

// StatusSink receives reachability updates after each cycle. Implemented by
// adapter.Cloud.
type StatusSink interface {
	SetOnline(bool)
}

// State is a read-only snapshot of the engine's bookkeeping.
type State struct {
	LocalRevision    int64     `json:"local_revision"`
	RemoteVersionTag string    `json:"remote_version_tag,omitempty"`
	PendingChanges   bool      `json:"pending_changes"`
	LastSyncedAt     time.Time `json:"last_synced_at"`
	LastError        string    `json:"last_error,omitempty"`
	InFlight         bool      `json:"in_flight"`
}

const (
	defaultMaxAttempts    = 5
	defaultBaseDelay      = 500 * time.Millisecond
	defaultMaxDelay       = 8 * time.Second
	defaultMaxCASAttempts = 3
)

// Engine runs sync cycles against one user's blob.
type Engine struct {
	store  *database.Store
	blobs  BlobStore
	cipher Cipher
	sink   StatusSink // may be nil

	userID    string
	authToken string

	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	maxCASAttempts int
	sleep          func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	inFlight      bool
	queued        bool
	remoteTag     string
	lastSyncedSeq int64
	lastSyncedAt  time.Time
	lastErr       string
}

// New creates an engine for the given user. sink may be nil.
func New(store *database.Store, blobs BlobStore, cipher Cipher, sink StatusSink, userID, authToken string) *Engine {
	return &Engine{
		store:          store,
		blobs:          blobs,
		cipher:         cipher,
		sink:           sink,
		userID:         userID,
		authToken:      authToken,
		maxAttempts:    defaultMaxAttempts,
		baseDelay:      defaultBaseDelay,
		maxDelay:       defaultMaxDelay,
		maxCASAttempts: defaultMaxCASAttempts,
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns a snapshot of the engine's bookkeeping plus the live local
// revision counter.
func (e *Engine) State() State {
	localSeq, err := e.store.MaxUpdateSeq()
	if err != nil {
		localSeq = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		LocalRevision:    localSeq,
		RemoteVersionTag: e.remoteTag,
		PendingChanges:   localSeq > e.lastSyncedSeq,
		LastSyncedAt:     e.lastSyncedAt,
		LastError:        e.lastErr,
		InFlight:         e.inFlight,
	}
}

// Sync runs one cycle. If a cycle is already in flight the request is
// coalesced: it returns immediately and the running cycle is followed by
// exactly one more, no matter how many requests arrived meanwhile.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	if e.inFlight {
		e.queued = true
		e.mu.Unlock()
		return nil
	}
	e.inFlight = true
	e.mu.Unlock()

	var err error
	for {
		err = e.cycle(ctx)

		e.mu.Lock()
		if e.queued && ctx.Err() == nil {
			e.queued = false
			e.mu.Unlock()
			continue
		}
		e.inFlight = false
		e.mu.Unlock()
		return err
	}
}

// cycle is one full download-merge-upload pass.
func (e *Engine) cycle(ctx context.Context) error {
	for attempt := 0; attempt < e.maxCASAttempts; attempt++ {
		err := e.pass(ctx)
		if errors.Is(err, blob.ErrPreconditionFailed) {
			// Another device won the upload race; start over from download.
			slog.Info("sync lost upload race, refetching", "attempt", attempt+1)
			continue
		}
		return e.finish(err)
	}
	return e.finish(fmt.Errorf("sync gave up after %d upload races", e.maxCASAttempts))
}

// finish records the outcome on the engine state and the status sink.
func (e *Engine) finish(err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err == nil {
		e.lastErr = ""
		e.lastSyncedAt = time.Now().UTC()
	} else {
		e.lastErr = err.Error()
	}
	if e.sink != nil {
		e.sink.SetOnline(!isTransport(err))
	}
	return err
}

func isTransport(err error) bool {
	var te *blob.TransportError
	return errors.As(err, &te)
}

func (e *Engine) pass(ctx context.Context) error {
	localSeq, err := e.store.MaxUpdateSeq()
	if err != nil {
		return fmt.Errorf("reading local revision: %w", err)
	}

	e.mu.Lock()
	pending := localSeq > e.lastSyncedSeq
	knownTag := e.remoteTag
	e.mu.Unlock()

	var encrypted []byte
	var tag string
	err = e.withRetry(ctx, func() error {
		var derr error
		encrypted, tag, derr = e.blobs.Download(ctx, e.authToken)
		return derr
	})

	switch {
	case errors.Is(err, blob.ErrNoBlob):
		if !pending && localSeq == 0 {
			return nil // fresh account, nothing anywhere
		}
		return e.upload(ctx, "")

	case err != nil:
		return fmt.Errorf("downloading snapshot: %w", err)

	case tag == knownTag && !pending:
		return nil // nothing changed on either side

	case tag == knownTag && pending:
		// Remote unchanged since last sync: local state is already the merge.
		return e.upload(ctx, tag)
	}

	// Remote changed. Decrypt before deciding anything else; a decryption
	// failure is permanent and must not be retried.
	plain, err := e.cipher.Decrypt(ctx, e.userID, e.authToken, string(encrypted))
	if err != nil {
		return fmt.Errorf("opening remote snapshot: %w", err)
	}

	if !pending {
		// Local is clean: adopt the remote wholesale.
		if err := e.store.ImportBytes(plain); err != nil {
			return fmt.Errorf("importing remote snapshot: %w", err)
		}
		return e.markSynced(tag)
	}

	// Both sides changed: merge, then upload under the tag we merged against.
	if err := e.merge(plain); err != nil {
		return err
	}
	return e.upload(ctx, tag)
}

// upload exports, seals, and conditionally stores the local snapshot.
func (e *Engine) upload(ctx context.Context, ifMatch string) error {
	data, err := e.store.ExportBytes()
	if err != nil {
		return fmt.Errorf("exporting snapshot: %w", err)
	}
	sealed, err := e.cipher.Encrypt(ctx, e.userID, e.authToken, data)
	if err != nil {
		return fmt.Errorf("sealing snapshot: %w", err)
	}

	var newTag string
	err = e.withRetry(ctx, func() error {
		var uerr error
		newTag, uerr = e.blobs.Upload(ctx, e.authToken, []byte(sealed), ifMatch)
		return uerr
	})
	if err != nil {
		if errors.Is(err, blob.ErrPreconditionFailed) {
			return err
		}
		return fmt.Errorf("uploading snapshot: %w", err)
	}
	return e.markSynced(newTag)
}

// markSynced records a converged state: remote tag adopted, pending flag
// cleared, update log compacted down to one tombstone per resource.
func (e *Engine) markSynced(tag string) error {
	localSeq, err := e.store.MaxUpdateSeq()
	if err != nil {
		return fmt.Errorf("reading local revision: %w", err)
	}
	if err := e.store.CompactUpdateLog(localSeq); err != nil {
		return err
	}

	e.mu.Lock()
	e.remoteTag = tag
	e.lastSyncedSeq = localSeq
	e.mu.Unlock()
	return nil
}

// withRetry runs op, retrying transport failures with bounded exponential
// backoff. Permanent errors return immediately.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	delay := e.baseDelay
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || !blob.IsRetryable(err) || attempt >= e.maxAttempts {
			return err
		}
		slog.Warn("sync transport error, backing off", "attempt", attempt, "delay", delay, "error", err)
		if serr := e.sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
		if delay > e.maxDelay {
			delay = e.maxDelay
		}
	}
}
