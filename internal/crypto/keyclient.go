package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthorized is returned when the identity service rejects the caller's
// bearer token.
var ErrUnauthorized = errors.New("identity service rejected credentials")

// KeySource fetches a user's encryption key. Implemented by KeyClient; tests
// substitute a fake.
type KeySource interface {
	FetchKey(ctx context.Context, authToken string) (string, error)
	DeleteKey(ctx context.Context, authToken string) error
}

// KeyClient talks to the identity service's /encryption/key endpoint. A GET
// that finds no key falls through to a POST, so first use provisions the key
// transparently.
type KeyClient struct {
	baseURL string
	client  *http.Client
}

// NewKeyClient creates a client for the identity service at baseURL.
func NewKeyClient(baseURL string) *KeyClient {
	return &KeyClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type keyResponse struct {
	EncryptionKey struct {
		Key string `json:"key"`
	} `json:"encryption_key"`
}

// FetchKey returns the caller's encryption key, creating one if none exists.
func (c *KeyClient) FetchKey(ctx context.Context, authToken string) (string, error) {
	if strings.TrimSpace(authToken) == "" {
		return "", fmt.Errorf("%w: empty auth token", ErrUnauthorized)
	}

	resp, err := c.do(ctx, http.MethodGet, authToken)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return "", ErrUnauthorized
	case http.StatusNotFound:
		resp.Body.Close()
		return c.createKey(ctx, authToken)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching encryption key: unexpected status %d", resp.StatusCode)
	}
	return decodeKey(resp)
}

func (c *KeyClient) createKey(ctx context.Context, authToken string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, authToken)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("creating encryption key: unexpected status %d", resp.StatusCode)
	}
	return decodeKey(resp)
}

// DeleteKey removes the caller's key from the identity service. Data sealed
// with it becomes unrecoverable.
func (c *KeyClient) DeleteKey(ctx context.Context, authToken string) error {
	resp, err := c.do(ctx, http.MethodDelete, authToken)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return fmt.Errorf("deleting encryption key: unexpected status %d", resp.StatusCode)
}

func (c *KeyClient) do(ctx context.Context, method, authToken string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/encryption/key", nil)
	if err != nil {
		return nil, fmt.Errorf("building key request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+authToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling identity service: %w", err)
	}
	return resp, nil
}

func decodeKey(resp *http.Response) (string, error) {
	var body keyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding key response: %w", err)
	}
	if body.EncryptionKey.Key == "" {
		return "", errors.New("identity service returned empty key")
	}
	return body.EncryptionKey.Key, nil
}
