// Package sessions provides a time-expiring key/value cache for upload sessions and issued token ids.
// Each key is single-use: Consume reads and removes it atomically.
package sessions

import (
	"context"
	"time"
)

// Key prefixes for values sharing one cache
const (
	UploadPrefix = "upload:"
	TokenPrefix  = "jti:"
)

// Cache defines methods of expiring session storage
type Cache interface {
	// Put stores value for key, the entry disappears after ttl
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns value for live key
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Invalidate removes key, no following Get observes the removed value
	Invalidate(ctx context.Context, key string) error

	// Consume atomically returns and removes live key.
	// Of two concurrent Consume calls for one key only one gets ok == true.
	Consume(ctx context.Context, key string) (value string, ok bool, err error)

	// DeleteExpired purges expired entries, it's a no-op when storage expires keys itself
	DeleteExpired(ctx context.Context) error

	Close() error
}
