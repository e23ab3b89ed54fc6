// Package directory is the append-only announcement feed and meta-address
// registry. Announcements are never deleted; claiming only flips a flag.
package directory

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Announcement is a published record that a stealth payment occurred. It
// carries enough for the intended recipient to discover and claim it: the
// ephemeral public key, and optionally the view tag inside the memo.
type Announcement struct {
	ID                 string `json:"id"`
	StealthAddress     string `json:"stealth_address"`
	AmountMicro        int64  `json:"amount_micro"`
	EphemeralPublicKey string `json:"ephemeral_public_key"` // hex, compressed
	Memo               string `json:"memo"`
	Timestamp          int64  `json:"timestamp"`
	Claimed            bool   `json:"claimed"`
}

// Directory is the capability set backing the feed and registry.
//
// Write calls (Register, Announce, MarkClaimed) surface transport failures to
// the caller; retry policy lives there. Read calls (IsRegistered, FetchNew,
// TotalCount) are polled routinely, so they degrade to an empty or negative
// result instead of erroring — one skipped poll must not halt scanning.
type Directory interface {
	// Register publishes a meta-address for owner. Registering twice is a
	// no-op; created reports whether this call did the registration.
	Register(ctx context.Context, owner common.Address, spendingPub, viewingPub []byte) (created bool, err error)
	IsRegistered(ctx context.Context, owner common.Address) bool

	Announce(ctx context.Context, a Announcement) (id string, err error)
	MarkClaimed(ctx context.Context, id string) error

	// FetchNew returns up to count announcements after cursor, plus the
	// cursor to pass next time. An empty cursor starts from the beginning.
	// The cursor is opaque to callers; they only persist it between scans.
	FetchNew(ctx context.Context, cursor string, count int) ([]Announcement, string)
	TotalCount(ctx context.Context) int
}
