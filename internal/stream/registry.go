package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veilpay/veilpay/internal/ledger"
	"github.com/veilpay/veilpay/internal/meter"
	"github.com/veilpay/veilpay/internal/settle"
)

const defaultSettleInterval = 30 * time.Second

// Registry owns the set of live stream sessions. It replaces process-global
// session maps with explicit ownership: whoever holds the registry holds the
// sessions, and their lifecycle ends with it.
type Registry struct {
	transfer ledger.Transferrer
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Coordinator
}

func NewRegistry(transfer ledger.Transferrer, log *zap.Logger) *Registry {
	return &Registry{
		transfer: transfer,
		log:      log,
		sessions: make(map[string]*Coordinator),
	}
}

// Start opens the endpoint, resolves the recipient, and launches the
// consumption loop. The returned coordinator is registered until it stops.
func (r *Registry) Start(ctx context.Context, cfg Config) (*Coordinator, error) {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	// The session outlives the caller (an API request); only its values are
	// kept, cancellation comes from Stop.
	src, err := OpenSource(context.WithoutCancel(ctx), client, cfg.Endpoint, cfg.DefaultRecipient)
	if err != nil {
		return nil, err
	}

	interval := cfg.SettleInterval
	if interval <= 0 {
		interval = defaultSettleInterval
	}
	sink := cfg.Sink
	if sink == nil {
		sink = io.Discard
	}

	id := uuid.NewString()
	c := &Coordinator{
		id:       id,
		meter:    meter.New(id, cfg.Endpoint, string(cfg.UnitType), cfg.Limits),
		batcher:  settle.New(settle.Config{Recipient: src.Recipient()}, r.transfer, r.log),
		source:   src,
		counter:  newUnitCounter(cfg.UnitType, time.Now()),
		sink:     sink,
		interval: interval,
		registry: r,
		log:      r.log,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[id] = c
	r.mu.Unlock()

	r.log.Info("stream started",
		zap.String("session", id),
		zap.String("endpoint", cfg.Endpoint),
		zap.String("unit_type", string(cfg.UnitType)),
		zap.String("recipient", src.Recipient().Hex()),
	)
	go c.run()
	return c, nil
}

// Get returns a live session by id.
func (r *Registry) Get(id string) (*Coordinator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("no active stream session %s", id)
	}
	return c, nil
}

// Active snapshots the billing state of every live session.
func (r *Registry) Active() []meter.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]meter.Session, 0, len(r.sessions))
	for _, c := range r.sessions {
		out = append(out, c.Session())
	}
	return out
}

// StopAll stops every live session; used on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sessions := make([]*Coordinator, 0, len(r.sessions))
	for _, c := range r.sessions {
		sessions = append(sessions, c)
	}
	r.mu.Unlock()
	for _, c := range sessions {
		c.Stop()
		<-c.Done()
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}
