// Package kv is the small durable key/value surface the engine needs outside
// the relational store: webhook dedupe markers (set-if-absent with TTL) and
// POS poll cursors. Backed by Redis in production, by a map in tests.
package kv

import (
	"context"
	"time"
)

type Store interface {
	// SetNX writes key=value only if the key is absent, returning whether the
	// write happened. The dedupe primitive.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// DedupeKey builds the per-webhook idempotency key.
func DedupeKey(tenantID, channelID, eventID string) string {
	return "dedupe:" + tenantID + ":" + channelID + ":" + eventID
}

// PollCursorKey builds the per-channel POS polling cursor key.
func PollCursorKey(channelID string) string {
	return "eposnow:last-poll:" + channelID
}
