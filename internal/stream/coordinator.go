// Package stream drives a metered consumption loop: it reads a paid upstream
// feed, accrues cost in a usage meter, and settles accrued cost through the
// batcher on thresholds and on a fixed interval.
package stream

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/veilpay/veilpay/internal/meter"
	"github.com/veilpay/veilpay/internal/settle"
)

const pausePoll = 20 * time.Millisecond

// Config describes one stream session.
type Config struct {
	Endpoint         string
	UnitType         UnitType
	Limits           meter.Limits
	DefaultRecipient common.Address
	SettleInterval   time.Duration
	// Sink receives every consumed chunk; nil discards them.
	Sink io.Writer
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Coordinator runs one stream session. Pause and Resume gate the next read
// cooperatively; Stop is idempotent and performs the final settlement exactly
// once, whether called explicitly or by natural completion.
type Coordinator struct {
	id       string
	meter    *meter.Meter
	batcher  *settle.Batcher
	source   *Source
	counter  *unitCounter
	sink     io.Writer
	interval time.Duration
	registry *Registry
	log      *zap.Logger

	paused   atomic.Bool
	settling atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// ID returns the session id.
func (c *Coordinator) ID() string { return c.id }

// Session returns the current billing snapshot.
func (c *Coordinator) Session() meter.Session { return c.meter.Snapshot() }

// Pause gates the consumption loop before its next read. In-flight reads are
// not cancelled.
func (c *Coordinator) Pause() error {
	if err := c.meter.Pause(); err != nil {
		return err
	}
	c.paused.Store(true)
	return nil
}

func (c *Coordinator) Resume() error {
	if err := c.meter.Resume(); err != nil {
		return err
	}
	c.paused.Store(false)
	return nil
}

// Stop tears the session down: it stops accrual, settles any unsettled
// amount, waits for the batcher to drain, and removes the session from the
// registry. Safe to call multiple times and concurrently with natural
// completion.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.source.Close() //nolint:errcheck // also unblocks an in-flight read
		c.meter.Stop()
		c.finalSettle()
		c.registry.remove(c.id)
		c.log.Info("stream stopped",
			zap.String("session", c.id),
			zap.String("status", string(c.meter.Status())),
		)
	})
}

// Done is closed when the consumption loop has exited.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// run is the consumption loop. It exits on stream end, exhaustion, or Stop.
func (c *Coordinator) run() {
	defer close(c.done)
	defer c.source.Close() //nolint:errcheck
	go c.settleLoop()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		if c.paused.Load() {
			time.Sleep(pausePoll)
			continue
		}

		chunk, err := c.source.Next()
		if err == io.EOF {
			c.recordUnits(c.counter.finish())
			c.Stop()
			return
		}
		if err != nil {
			c.log.Warn("stream read failed", zap.String("session", c.id), zap.Error(err))
			c.Stop()
			return
		}

		if exhausted := c.recordUnits(c.counter.count(chunk, time.Now())); exhausted {
			c.Stop()
			return
		}
		if _, err := c.sink.Write(chunk); err != nil {
			c.log.Warn("sink write failed", zap.String("session", c.id), zap.Error(err))
			c.Stop()
			return
		}
	}
}

func (c *Coordinator) recordUnits(units int64) (exhausted bool) {
	if units <= 0 {
		return false
	}
	res := c.meter.RecordUsage(units)
	if res.CrossedWarning {
		c.log.Warn("budget warning threshold crossed",
			zap.String("session", c.id),
			zap.Float64("utilization_pct", c.meter.Utilization()),
		)
	}
	if res.ShouldSettle {
		c.settleAsync()
	}
	if res.Exhausted {
		c.log.Warn("budget exhausted", zap.String("session", c.id))
		return true
	}
	return false
}

// settleLoop triggers settlement on a fixed interval regardless of per-chunk
// thresholds, bounding accrual-to-settlement latency under low throughput.
func (c *Coordinator) settleLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.settleAsync()
		}
	}
}

// settleAsync settles the currently unsettled amount in the background. At
// most one settlement per session is in flight; the batcher coalesces
// concurrent sessions to the same recipient.
func (c *Coordinator) settleAsync() {
	if !c.settling.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.settling.Store(false)
		c.settlePending()
	}()
}

func (c *Coordinator) settlePending() {
	amount := c.meter.UnsettledMicro()
	if amount <= 0 {
		return
	}
	rec, err := c.batcher.Settle(context.Background(), amount)
	if err != nil {
		// No retry here: the amount stays unsettled and the next threshold
		// or ticker pass attempts it again.
		c.log.Warn("settlement failed", zap.String("session", c.id), zap.Error(err))
		return
	}
	// Settle exactly the snapshot that was transferred; cost accrued while
	// the transfer was in flight waits for the next pass.
	if _, err := c.meter.RecordSettlement(rec.TxHash, amount); err != nil {
		c.log.Warn("record settlement", zap.String("session", c.id), zap.Error(err))
	}
}

// finalSettle drains any in-flight settlement, then settles the remainder.
func (c *Coordinator) finalSettle() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for c.settling.Load() {
		select {
		case <-ctx.Done():
			c.log.Warn("final settlement timed out waiting for in-flight batch",
				zap.String("session", c.id))
			return
		case <-time.After(pausePoll):
		}
	}
	c.settlePending()
	if err := c.batcher.Flush(ctx); err != nil {
		c.log.Warn("final flush", zap.String("session", c.id), zap.Error(err))
	}
}
