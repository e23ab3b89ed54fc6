// Package ledger declares the narrow capabilities the core needs from the
// underlying chain. Concrete backends (internal/chain, test fakes) implement
// these; nothing in the core ever casts a client to a wider interface.
package ledger

import (
	"context"
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
)

// Transferrer submits a value transfer and reports the confirmed tx hash.
// Amounts are micro-units of the settlement currency. Implementations must
// not resolve until the transfer is confirmed or failed; callers decide
// retry policy.
type Transferrer interface {
	Transfer(ctx context.Context, to common.Address, amountMicro int64) (txHash string, err error)
}

// Reader exposes the read-only balance view.
type Reader interface {
	Balance(ctx context.Context, addr common.Address) (amountMicro int64, err error)
}

// Signer performs a one-off transfer signed by an externally derived key.
// Used exactly once per stealth claim; the key is never retained.
type Signer interface {
	TransferWithKey(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amountMicro int64) (txHash string, err error)
}
