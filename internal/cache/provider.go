// Package cache holds publish claims and cached search responses.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Provider is the key/value surface shared by the memory and Redis backends.
// SetNX backs the at-most-once publish claims.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

const namespace = "triage"

// Key joins parts under the triage namespace with ':'.
func Key(parts ...string) string {
	return namespace + ":" + strings.Join(parts, ":")
}

// IncidentClaimKey is the publish claim of one incident.
func IncidentClaimKey(incidentID string) string {
	return Key("publish", incidentID)
}

// ForecastClaimKey is the publish claim of one forecast window.
func ForecastClaimKey(windowEnd time.Time) string {
	return Key("forecast", windowEnd.UTC().Format(time.RFC3339))
}

// GetJSON decodes the cached value at key into dst. A value that no longer
// decodes is reported as a miss.
func GetJSON(ctx context.Context, p Provider, key string, dst any) error {
	raw, err := p.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return ErrCacheMiss
	}
	return nil
}

// SetJSON stores v encoded as JSON.
func SetJSON(ctx context.Context, p Provider, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Set(ctx, key, data, ttl)
}

// NoopProvider stores nothing. Every SetNX succeeds, so claims never dedupe.
type NoopProvider struct{}

func (NoopProvider) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }

func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (NoopProvider) Del(context.Context, string) error { return nil }

func (NoopProvider) Close() error { return nil }
