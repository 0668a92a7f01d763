// Package cache manages the Redis client used for distributed checkpoints,
// the cross-worker event hub, and the gateway's idempotency store.
package cache
