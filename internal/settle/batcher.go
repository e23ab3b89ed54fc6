// Package settle coalesces many small settlement requests into single
// outbound transfers, one recipient per Batcher and at most one transfer in
// flight at a time.
package settle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/veilpay/veilpay/internal/ledger"
)

// ErrEmptyAmount is returned for non-positive settlement requests.
var ErrEmptyAmount = errors.New("settlement amount is empty")

const (
	defaultCoalesce  = 25 * time.Millisecond
	defaultFlushPoll = 10 * time.Millisecond
)

// Receipt is the shared result every request coalesced into one batch
// receives: the batch's tx hash and the batch sum, not the request's own
// amount.
type Receipt struct {
	TxHash      string
	AmountMicro int64
	Timestamp   int64
}

// Config tunes one Batcher. Zero durations take defaults.
type Config struct {
	Recipient common.Address
	// Coalesce is how long the drain goroutine waits before taking the
	// queue, so requests issued together land in one batch.
	Coalesce  time.Duration
	FlushPoll time.Duration
}

type request struct {
	amountMicro int64
	done        chan outcome
}

type outcome struct {
	receipt Receipt
	err     error
}

// Batcher serializes settlement for a single recipient. The mutex guards the
// queue and the processing flag together; draining takes the whole queue
// atomically so no request is split across batches or dropped.
type Batcher struct {
	cfg      Config
	transfer ledger.Transferrer
	log      *zap.Logger

	mu         sync.Mutex
	queue      []*request
	processing bool
}

func New(cfg Config, transfer ledger.Transferrer, log *zap.Logger) *Batcher {
	if cfg.Coalesce <= 0 {
		cfg.Coalesce = defaultCoalesce
	}
	if cfg.FlushPoll <= 0 {
		cfg.FlushPoll = defaultFlushPoll
	}
	return &Batcher{cfg: cfg, transfer: transfer, log: log}
}

// Settle enqueues amountMicro and blocks until the batch containing it
// resolves. A failed batch fails every request coalesced into it with the
// same error; the batcher never retries — callers decide whether to settle
// again.
func (b *Batcher) Settle(ctx context.Context, amountMicro int64) (Receipt, error) {
	if amountMicro <= 0 {
		return Receipt{}, ErrEmptyAmount
	}

	req := &request{amountMicro: amountMicro, done: make(chan outcome, 1)}

	b.mu.Lock()
	b.queue = append(b.queue, req)
	if !b.processing {
		b.processing = true
		go b.drain()
	}
	b.mu.Unlock()

	select {
	case out := <-req.done:
		return out.receipt, out.err
	case <-ctx.Done():
		// The request stays in its batch; the buffered done channel lets the
		// drain goroutine resolve it without a listener.
		return Receipt{}, ctx.Err()
	}
}

// drain repeatedly takes the whole queue, issues one transfer for the sum,
// and fans the shared outcome out to every request. Requests that arrive
// while a transfer is in flight wait for the next pass.
func (b *Batcher) drain() {
	for {
		time.Sleep(b.cfg.Coalesce)

		b.mu.Lock()
		if len(b.queue) == 0 {
			b.processing = false
			b.mu.Unlock()
			return
		}
		batch := b.queue
		b.queue = nil
		b.mu.Unlock()

		var sum int64
		for _, r := range batch {
			sum += r.amountMicro
		}

		txHash, err := b.transfer.Transfer(context.Background(), b.cfg.Recipient, sum)
		out := outcome{err: err}
		if err == nil {
			out.receipt = Receipt{TxHash: txHash, AmountMicro: sum, Timestamp: time.Now().Unix()}
			b.log.Debug("settlement batch confirmed",
				zap.String("recipient", b.cfg.Recipient.Hex()),
				zap.Int64("amount_micro", sum),
				zap.Int("requests", len(batch)),
				zap.String("tx", txHash),
			)
		} else {
			b.log.Warn("settlement batch failed",
				zap.String("recipient", b.cfg.Recipient.Hex()),
				zap.Int64("amount_micro", sum),
				zap.Int("requests", len(batch)),
				zap.Error(err),
			)
		}
		for _, r := range batch {
			r.done <- out
		}
	}
}

// Flush blocks until the queue is empty and no batch is in flight. Used for
// the final settlement on stream stop.
func (b *Batcher) Flush(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.FlushPoll)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		idle := len(b.queue) == 0 && !b.processing
		b.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pending reports the queued (not yet in-flight) amount.
func (b *Batcher) Pending() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sum int64
	for _, r := range b.queue {
		sum += r.amountMicro
	}
	return sum
}
