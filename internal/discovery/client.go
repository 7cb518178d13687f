// Package discovery resolves remote bank instances through the registry and
// registers this instance at startup.
package discovery

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/banknet/banknet/internal/identity"
)

// ErrNotFound indicates the instance is not currently registered. Callers
// treat it exactly like network unreachability: abort locally, no remote side
// effects.
var ErrNotFound = errors.New("instance not registered")

// Record is a registry entry for one bank instance.
type Record struct {
	SWIFT        string `json:"swift"`
	Name         string `json:"name"`
	Address      string `json:"address"`
	PublicKeyPEM string `json:"public_key"`
}

// Resolved is a registry record with the public key parsed.
type Resolved struct {
	Record
	PublicKey ed25519.PublicKey
}

// Resolver looks up remote instances. The coordinator and participant both
// consume this interface; tests substitute a static map.
type Resolver interface {
	Resolve(ctx context.Context, swift string) (Resolved, error)
}

// Client talks to the registry over HTTP and caches resolutions in-process
// for a short TTL, since the participant verifies a signature on every
// inbound message.
type Client struct {
	baseURL  string
	http     *http.Client
	logger   *slog.Logger
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	resolved Resolved
	expires  time.Time
}

// NewClient builds a registry client.
func NewClient(baseURL string, timeout, cacheTTL time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cacheEntry),
	}
}

// Resolve fetches the record for a swift code, consulting the cache first.
func (c *Client) Resolve(ctx context.Context, swift string) (Resolved, error) {
	c.mu.Lock()
	if entry, ok := c.cache[swift]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.resolved, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/banks/%s", c.baseURL, swift), nil)
	if err != nil {
		return Resolved{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Resolved{}, fmt.Errorf("registry lookup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Resolved{}, ErrNotFound
	default:
		return Resolved{}, fmt.Errorf("registry lookup: unexpected status %d", resp.StatusCode)
	}

	var record Record
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&record); err != nil {
		return Resolved{}, fmt.Errorf("decode registry record: %w", err)
	}

	publicKey, err := identity.ParsePublicPEM([]byte(record.PublicKeyPEM))
	if err != nil {
		return Resolved{}, fmt.Errorf("registry record for %s: %w", swift, err)
	}

	resolved := Resolved{Record: record, PublicKey: publicKey}

	c.mu.Lock()
	c.cache[swift] = cacheEntry{resolved: resolved, expires: time.Now().Add(c.cacheTTL)}
	c.mu.Unlock()

	return resolved, nil
}

// Register upserts this instance's record, retrying a few times so the bank
// survives a registry that comes up a moment later.
func (c *Client) Register(ctx context.Context, record Record) error {
	body, err := json.Marshal(record)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/banks", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("registry registration failed", "attempt", attempt+1, "error", err)
			continue
		}
		io.Copy(io.Discard, resp.Body) // nolint:errcheck
		resp.Body.Close()

		if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK {
			c.logger.Info("registered with registry", "registry", c.baseURL)
			return nil
		}
		lastErr = fmt.Errorf("registry registration: unexpected status %d", resp.StatusCode)
		c.logger.Warn("registry registration rejected", "attempt", attempt+1, "status", resp.StatusCode)
	}
	return lastErr
}

// StaticResolver resolves from a fixed map. Test helper.
type StaticResolver map[string]Resolved

// Resolve returns the mapped record or ErrNotFound.
func (r StaticResolver) Resolve(_ context.Context, swift string) (Resolved, error) {
	resolved, ok := r[swift]
	if !ok {
		return Resolved{}, ErrNotFound
	}
	return resolved, nil
}
