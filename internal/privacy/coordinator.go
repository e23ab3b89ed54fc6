// Package privacy orchestrates the user-facing stealth operations: sending a
// private payment, discovering incoming ones, and claiming them. It owns one
// stealth key pair, the local payment bookkeeping, and the scan cursor.
package privacy

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veilpay/veilpay/internal/directory"
	"github.com/veilpay/veilpay/internal/ledger"
	"github.com/veilpay/veilpay/internal/stealth"
	"github.com/veilpay/veilpay/internal/store"
)

const (
	cursorKey     = "scan_cursor"
	paymentKeyFmt = "payment:%s"
)

// ErrBadRecipient is returned when a recipient is neither a meta-address nor
// a plain hex address.
var ErrBadRecipient = errors.New("recipient is neither a meta-address nor an address")

// StealthPayment is the sender-side record of one private payment. The
// on-chain announcement is the source of truth; this is a local cache.
type StealthPayment struct {
	ID                 string `json:"id"`
	StealthAddress     string `json:"stealth_address"`
	EphemeralPublicKey string `json:"ephemeral_public_key"`
	AmountMicro        int64  `json:"amount_micro"`
	TxHash             string `json:"tx_hash"`
	Timestamp          int64  `json:"timestamp"`
	Claimed            bool   `json:"claimed"`
}

// SendResult is the typed outcome of SendPrivate; transfer failures land in
// Error rather than panicking through the call stack.
type SendResult struct {
	Success            bool   `json:"success"`
	Error              string `json:"error,omitempty"`
	TxHash             string `json:"tx_hash,omitempty"`
	Stealth            bool   `json:"stealth"`
	StealthAddress     string `json:"stealth_address,omitempty"`
	EphemeralPublicKey string `json:"ephemeral_public_key,omitempty"`
	AnnouncementID     string `json:"announcement_id,omitempty"`
}

// ClaimResult is the typed outcome of ClaimPayment.
type ClaimResult struct {
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	AmountMicro int64  `json:"amount_micro,omitempty"`
}

// ScanResult reports one scan pass: the announcements that proved to be ours
// and how many were examined.
type ScanResult struct {
	Payments []directory.Announcement `json:"payments"`
	Scanned  int                      `json:"scanned"`
}

// Coordinator wires key derivation, the directory, and the ledger together.
type Coordinator struct {
	keys     *stealth.KeyPair
	owner    common.Address
	dir      directory.Directory
	transfer ledger.Transferrer
	reader   ledger.Reader
	signer   ledger.Signer
	st       store.Store
	log      *zap.Logger

	mu       sync.Mutex
	payments []StealthPayment
	cursor   string
}

func NewCoordinator(
	keys *stealth.KeyPair,
	owner common.Address,
	dir directory.Directory,
	transfer ledger.Transferrer,
	reader ledger.Reader,
	signer ledger.Signer,
	st store.Store,
	log *zap.Logger,
) (*Coordinator, error) {
	c := &Coordinator{
		keys:     keys,
		owner:    owner,
		dir:      dir,
		transfer: transfer,
		reader:   reader,
		signer:   signer,
		st:       st,
		log:      log,
	}
	if err := c.restore(context.Background()); err != nil {
		return nil, fmt.Errorf("restore coordinator state: %w", err)
	}
	return c, nil
}

// MetaAddress returns the owner's publishable meta-address.
func (c *Coordinator) MetaAddress() string { return c.keys.MetaAddress }

// EnsureRegistered publishes the meta-address if it is not already in the
// registry. Safe to call on every startup.
func (c *Coordinator) EnsureRegistered(ctx context.Context) error {
	if c.dir.IsRegistered(ctx, c.owner) {
		return nil
	}
	created, err := c.dir.Register(ctx, c.owner, c.keys.SpendingPublicKey, c.keys.ViewingPublicKey)
	if err != nil {
		return fmt.Errorf("register meta-address: %w", err)
	}
	if created {
		c.log.Info("meta-address registered", zap.String("owner", c.owner.Hex()))
	}
	return nil
}

// SendPrivate routes to the stealth path when the recipient is a
// meta-address and to a plain transfer otherwise. The returned result carries
// the stealth address and ephemeral key so the caller can communicate them
// out-of-band. Transfers are never retried here: a blind retry could double
// pay.
func (c *Coordinator) SendPrivate(ctx context.Context, to string, amountMicro int64) (SendResult, error) {
	if stealth.IsStealthMetaAddress(to) {
		return c.sendStealth(ctx, to, amountMicro)
	}
	if !common.IsHexAddress(to) {
		return SendResult{}, fmt.Errorf("%w: %q", ErrBadRecipient, to)
	}
	txHash, err := c.transfer.Transfer(ctx, common.HexToAddress(to), amountMicro)
	if err != nil {
		return SendResult{Error: err.Error()}, nil
	}
	return SendResult{Success: true, TxHash: txHash}, nil
}

func (c *Coordinator) sendStealth(ctx context.Context, meta string, amountMicro int64) (SendResult, error) {
	sa, err := stealth.GenerateStealthAddress(meta)
	if err != nil {
		return SendResult{}, err
	}
	ephHex := hex.EncodeToString(sa.EphemeralPublicKey)

	txHash, err := c.transfer.Transfer(ctx, sa.Address, amountMicro)
	if err != nil {
		return SendResult{Stealth: true, Error: err.Error()}, nil
	}

	p := StealthPayment{
		ID:                 uuid.NewString(),
		StealthAddress:     sa.Address.Hex(),
		EphemeralPublicKey: ephHex,
		AmountMicro:        amountMicro,
		TxHash:             txHash,
		Timestamp:          time.Now().Unix(),
	}
	c.appendPayment(ctx, p)

	annID, err := c.dir.Announce(ctx, directory.Announcement{
		StealthAddress:     sa.Address.Hex(),
		AmountMicro:        amountMicro,
		EphemeralPublicKey: ephHex,
		Memo:               sa.ViewTag,
		Timestamp:          p.Timestamp,
	})
	if err != nil {
		// Funds already moved; the payment record stands but the recipient
		// cannot discover it by scanning. Surface that to the caller.
		c.log.Error("announce failed after transfer", zap.String("tx", txHash), zap.Error(err))
		return SendResult{
			Stealth:            true,
			TxHash:             txHash,
			StealthAddress:     p.StealthAddress,
			EphemeralPublicKey: ephHex,
			Error:              fmt.Sprintf("transfer confirmed but announcement failed: %v", err),
		}, nil
	}

	return SendResult{
		Success:            true,
		Stealth:            true,
		TxHash:             txHash,
		StealthAddress:     p.StealthAddress,
		EphemeralPublicKey: ephHex,
		AnnouncementID:     annID,
	}, nil
}

// ClaimPayment derives the one-time private key for the announced stealth
// address and sweeps its balance to toAddress (the owner's address when
// empty). The derived key signs exactly one transfer and is never persisted.
// Derivation failures return a hard error; "nothing to claim" and transfer
// failures are payment-level results.
func (c *Coordinator) ClaimPayment(ctx context.Context, stealthAddr, ephemeralPubHex, toAddress string) (ClaimResult, error) {
	if !common.IsHexAddress(stealthAddr) {
		return ClaimResult{}, fmt.Errorf("invalid stealth address %q", stealthAddr)
	}
	ephPub, err := hex.DecodeString(ephemeralPubHex)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("invalid ephemeral key hex: %w", err)
	}

	key, err := stealth.ComputeStealthPrivateKey(c.keys, ephPub)
	if err != nil {
		return ClaimResult{}, err
	}

	// The derived key must control the announced address; anything else means
	// this announcement is not ours.
	derived, err := stealth.DeriveStealthAddress(c.keys, ephPub)
	if err != nil {
		return ClaimResult{}, err
	}
	if derived != common.HexToAddress(stealthAddr) {
		return ClaimResult{Error: "announcement is not addressed to this key pair"}, nil
	}

	balance, err := c.reader.Balance(ctx, derived)
	if err != nil {
		return ClaimResult{Error: fmt.Sprintf("balance check failed: %v", err)}, nil
	}
	if balance == 0 {
		return ClaimResult{Error: "no balance to claim"}, nil
	}

	to := c.owner
	if toAddress != "" {
		if !common.IsHexAddress(toAddress) {
			return ClaimResult{}, fmt.Errorf("invalid claim destination %q", toAddress)
		}
		to = common.HexToAddress(toAddress)
	}

	txHash, err := c.signer.TransferWithKey(ctx, key, to, balance)
	if err != nil {
		return ClaimResult{Error: err.Error()}, nil
	}
	return ClaimResult{Success: true, TxHash: txHash, AmountMicro: balance}, nil
}

// ScanAnnouncements pulls up to count new announcements and tests each for
// ownership. A memo view tag is used as the cheap prefilter; the expensive
// full derivation runs only on tag hits — but a hit alone is never trusted,
// the re-derived address must match the announced one byte for byte (the
// one-byte tag collides roughly once per 256 foreign announcements).
func (c *Coordinator) ScanAnnouncements(ctx context.Context, count int) ScanResult {
	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()

	anns, next := c.dir.FetchNew(ctx, cursor, count)
	var ours []directory.Announcement
	for _, a := range anns {
		if a.Claimed {
			continue
		}
		if c.isOurPayment(a) {
			ours = append(ours, a)
		}
	}

	c.mu.Lock()
	c.cursor = next
	c.mu.Unlock()
	if err := c.st.Set(ctx, cursorKey, next); err != nil {
		c.log.Warn("persist scan cursor failed", zap.Error(err))
	}

	return ScanResult{Payments: ours, Scanned: len(anns)}
}

func (c *Coordinator) isOurPayment(a directory.Announcement) bool {
	ephPub, err := hex.DecodeString(a.EphemeralPublicKey)
	if err != nil {
		return false
	}
	if a.Memo != "" && !stealth.CheckViewTag(c.keys, ephPub, a.Memo) {
		return false
	}
	derived, err := stealth.DeriveStealthAddress(c.keys, ephPub)
	if err != nil {
		return false
	}
	return derived == common.HexToAddress(a.StealthAddress)
}

// SentPayments returns a copy of the local send history.
func (c *Coordinator) SentPayments() []StealthPayment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StealthPayment(nil), c.payments...)
}

// UnclaimedPayments returns sent payments not yet marked claimed.
func (c *Coordinator) UnclaimedPayments() []StealthPayment {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []StealthPayment
	for _, p := range c.payments {
		if !p.Claimed {
			out = append(out, p)
		}
	}
	return out
}

// MarkClaimed flags a local payment record as claimed.
func (c *Coordinator) MarkClaimed(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.payments {
		if c.payments[i].ID == id {
			c.payments[i].Claimed = true
			return c.persistPayment(ctx, c.payments[i])
		}
	}
	return fmt.Errorf("payment %s not found", id)
}

func (c *Coordinator) appendPayment(ctx context.Context, p StealthPayment) {
	c.mu.Lock()
	c.payments = append(c.payments, p)
	c.mu.Unlock()
	if err := c.persistPayment(ctx, p); err != nil {
		c.log.Warn("persist payment failed", zap.String("payment", p.ID), zap.Error(err))
	}
}

func (c *Coordinator) persistPayment(ctx context.Context, p StealthPayment) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.st.Set(ctx, fmt.Sprintf(paymentKeyFmt, p.ID), string(raw))
}

// restore loads the scan cursor and payment history from the store.
func (c *Coordinator) restore(ctx context.Context) error {
	cursor, err := c.st.Get(ctx, cursorKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	c.cursor = cursor

	keys, err := c.st.Keys(ctx, "payment:")
	if err != nil {
		return err
	}
	for _, k := range keys {
		raw, err := c.st.Get(ctx, k)
		if err != nil {
			continue
		}
		var p StealthPayment
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			c.log.Warn("corrupt payment record", zap.String("key", k), zap.Error(err))
			continue
		}
		c.payments = append(c.payments, p)
	}
	return nil
}
