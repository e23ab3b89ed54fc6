// Package chain is the ethclient-backed implementation of the ledger
// capabilities: plain value transfers signed locally, plus balance reads.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/veilpay/veilpay/internal/config"
)

// weiPerMicro converts micro-units (6 decimals) to wei (18 decimals).
var weiPerMicro = big.NewInt(1_000_000_000_000)

const transferGasLimit = 21_000

// Backend is the slice of the RPC surface the client needs. *ethclient.Client
// satisfies it, as does the go-ethereum simulated backend used in tests.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	bind.DeployBackend
}

// Client wraps go-ethereum for value transfers and balance reads. It
// implements ledger.Transferrer, ledger.Reader and ledger.Signer.
type Client struct {
	eth         Backend
	chainID     *big.Int
	walletKey   *ecdsa.PrivateKey
	callTimeout time.Duration
}

func NewClient(cfg *config.Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	key, err := crypto.HexToECDSA(cfg.Chain.WalletPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse wallet private key: %w", err)
	}
	return newClient(eth, big.NewInt(cfg.Chain.ChainID), key,
		time.Duration(cfg.Chain.CallTimeoutSec)*time.Second), nil
}

// NewClientWithBackend builds a client over an already-connected backend.
func NewClientWithBackend(eth Backend, chainID *big.Int, walletKey *ecdsa.PrivateKey, callTimeout time.Duration) *Client {
	return newClient(eth, chainID, walletKey, callTimeout)
}

func newClient(eth Backend, chainID *big.Int, walletKey *ecdsa.PrivateKey, callTimeout time.Duration) *Client {
	return &Client{
		eth:         eth,
		chainID:     chainID,
		walletKey:   walletKey,
		callTimeout: callTimeout,
	}
}

// WalletAddress returns the address of the configured wallet key.
func (c *Client) WalletAddress() common.Address {
	return crypto.PubkeyToAddress(c.walletKey.PublicKey)
}

// Transfer sends amountMicro from the configured wallet and waits for the
// receipt.
func (c *Client) Transfer(ctx context.Context, to common.Address, amountMicro int64) (string, error) {
	return c.transfer(ctx, c.walletKey, to, amountMicro)
}

// TransferWithKey sends amountMicro signed by an externally derived key. The
// stealth claim path is the only caller; the key is used once and dropped.
func (c *Client) TransferWithKey(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amountMicro int64) (string, error) {
	return c.transfer(ctx, key, to, amountMicro)
}

// Balance reads the confirmed balance in micro-units. Sub-micro wei dust is
// truncated.
func (c *Client) Balance(ctx context.Context, addr common.Address) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	wei, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return 0, fmt.Errorf("balance of %s: %w", addr.Hex(), err)
	}
	return new(big.Int).Div(wei, weiPerMicro).Int64(), nil
}

func (c *Client) transfer(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amountMicro int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("pending nonce for %s: %w", from.Hex(), err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	value := new(big.Int).Mul(big.NewInt(amountMicro), weiPerMicro)
	tx := types.NewTransaction(nonce, to, value, transferGasLimit, gasPrice, nil)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transfer: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, signed)
	if err != nil {
		return "", fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status == 0 {
		return "", fmt.Errorf("transfer reverted: %s", signed.Hash().Hex())
	}
	return signed.Hash().Hex(), nil
}
