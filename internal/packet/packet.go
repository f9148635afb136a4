// Package packet defines the generic envelope every persisted resource
// travels in, plus the error taxonomy shared by all storage backends.
package packet

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested packet does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotInitialized is returned when the storage service is used before
// Initialize has completed.
var ErrNotInitialized = errors.New("storage service not initialized")

// DuplicateIDError is returned when a create collides with an existing packet
// of the same resource type that was written under a different request ID.
type DuplicateIDError struct {
	Type ResourceType
	ID   string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("%s packet %q already exists", e.Type, e.ID)
}

// NoDirectoryAccessError is returned by the filesystem adapter when no live
// directory grant is available for the attempted operation.
type NoDirectoryAccessError struct {
	Dir string
}

func (e *NoDirectoryAccessError) Error() string {
	if e.Dir == "" {
		return "no directory access granted"
	}
	return fmt.Sprintf("directory access to %q is missing or revoked", e.Dir)
}

// ResourceType identifies the kind of resource a DataPacket carries.
type ResourceType string

const (
	TypeConversation    ResourceType = "conversation"
	TypeContext         ResourceType = "context"
	TypeSystemPrompt    ResourceType = "system_prompt"
	TypeAPIKey          ResourceType = "api_key"
	TypeDocument        ResourceType = "document"
	TypeBackgroundAgent ResourceType = "background_agent"
)

// ResourceTypes lists every valid resource type.
var ResourceTypes = []ResourceType{
	TypeConversation,
	TypeContext,
	TypeSystemPrompt,
	TypeAPIKey,
	TypeDocument,
	TypeBackgroundAgent,
}

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	for _, rt := range ResourceTypes {
		if t == rt {
			return true
		}
	}
	return false
}

// DataPacket is the generic envelope for any persisted resource. IDs are
// unique within a resource type; RequestID is the client-supplied idempotency
// token that collapses retried creates into a single logical write.
type DataPacket struct {
	ID        string          `json:"id"`
	ProfileID string          `json:"profile_id"`
	Type      ResourceType    `json:"resource_type"`
	Payload   json.RawMessage `json:"payload"`
	Tags      []string        `json:"tags,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	RequestID string          `json:"request_id,omitempty"`
}

// Clone returns a deep copy so callers can't mutate stored state through
// shared slices.
func (p DataPacket) Clone() DataPacket {
	cp := p
	if p.Payload != nil {
		cp.Payload = make(json.RawMessage, len(p.Payload))
		copy(cp.Payload, p.Payload)
	}
	if p.Tags != nil {
		cp.Tags = make([]string, len(p.Tags))
		copy(cp.Tags, p.Tags)
	}
	return cp
}

// Filter narrows List results. Tags use AND semantics: a packet must carry
// every listed tag. Zero-value time bounds are ignored.
type Filter struct {
	Tags []string
	From time.Time
	To   time.Time
}

// Page is offset/limit pagination. Limit <= 0 falls back to DefaultLimit.
type Page struct {
	Offset int
	Limit  int
}

// DefaultLimit caps unbounded list calls.
const DefaultLimit = 50

// EffectiveLimit returns the limit to apply for this page.
func (p Page) EffectiveLimit() int {
	if p.Limit <= 0 {
		return DefaultLimit
	}
	return p.Limit
}

// APIKey is a stored provider credential. Key material is held encrypted by
// the cloud adapter and never leaves the device in plaintext.
type APIKey struct {
	ID        string    `json:"id"`
	ProfileID string    `json:"profile_id"`
	Provider  string    `json:"provider"`
	Key       string    `json:"api_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
