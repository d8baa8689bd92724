// Package gifts holds the mailbox domain: records, the payload codec, audit
// result kinds and lifecycle events.
package gifts

import (
	"math"
	"time"
)

// NeverExpires marks a record without an expiry deadline.
const NeverExpires int64 = -1

// Item is the deliverable payload of a record.
type Item struct {
	Type       string            `json:"type"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Quantity   int               `json:"quantity"`
}

// Record is one gift addressed to a recipient. Records are immutable once created.
type Record struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Item      Item   `json:"item"`
	Origin    string `json:"origin"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// IsLive reports whether the record is still claimable at now (milliseconds).
func (r Record) IsLive(now int64) bool {
	return IsLive(r.ExpiresAt, now)
}

// IsLive reports whether a record with the given expiry is live at now.
func IsLive(expiresAt, now int64) bool {
	return expiresAt == NeverExpires || expiresAt > now
}

// Millis converts t to milliseconds since the Unix epoch.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// ExpiryFor returns the expiry deadline for a record created at now with a
// time-to-live of ttlSeconds. A ttl of -1 never expires. ok is false when the
// ttl is invalid or the deadline would overflow.
func ExpiryFor(now, ttlSeconds int64) (expiresAt int64, ok bool) {
	switch {
	case ttlSeconds == NeverExpires:
		return NeverExpires, true
	case ttlSeconds < 0:
		return 0, false
	case ttlSeconds > (math.MaxInt64-now)/1000:
		return 0, false
	}
	return now + ttlSeconds*1000, true
}
