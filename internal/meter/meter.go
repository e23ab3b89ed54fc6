// Package meter is the per-session accrual ledger: it records consumption,
// tracks budget, and flags settlement and exhaustion thresholds. Pure state,
// no I/O; all money is integer micro-units so thousands of tiny increments
// cannot drift.
package meter

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusExhausted Status = "exhausted"
)

// SettlementRecord is an immutable receipt for one settled batch.
type SettlementRecord struct {
	Timestamp   int64  `json:"timestamp"`
	AmountMicro int64  `json:"amount_micro"`
	TxHash      string `json:"tx_hash"`
	Units       int64  `json:"units"`
}

// Session is the externally visible billing snapshot. AccruedMicro is the
// unsettled portion; TotalMicro == AccruedMicro + SettledMicro always.
type Session struct {
	ID             string             `json:"id"`
	Endpoint       string             `json:"endpoint"`
	Status         Status             `json:"status"`
	Units          int64              `json:"units"`
	UnitType       string             `json:"unit_type"`
	AccruedMicro   int64              `json:"accrued_micro"`
	SettledMicro   int64              `json:"settled_micro"`
	TotalMicro     int64              `json:"total_micro"`
	RemainingMicro int64              `json:"remaining_micro"`
	Settlements    []SettlementRecord `json:"settlements"`
}

// Limits configures a meter, all amounts in micro-units. WarnMicro is the
// absolute warning threshold (fraction already applied to the budget).
type Limits struct {
	RatePerUnitMicro int64
	BudgetMaxMicro   int64
	MinSettleMicro   int64
	WarnMicro        int64
}

// UsageResult reports the threshold flags for one RecordUsage call.
type UsageResult struct {
	CostMicro      int64
	ShouldSettle   bool
	Exhausted      bool
	CrossedWarning bool
}

// ErrNothingUnsettled is returned by RecordSettlement when no cost accrued
// since the last settlement.
var ErrNothingUnsettled = errors.New("nothing unsettled")

// Meter owns one Session exclusively; nothing else mutates it.
type Meter struct {
	mu sync.Mutex

	limits         Limits
	session        Session
	unsettledUnits int64
	// total before the last increment, so a warning crossing fires exactly
	// once — on the call that crossed, not before or after.
	prevTotalMicro int64
}

func New(id, endpoint, unitType string, limits Limits) *Meter {
	return &Meter{
		limits: limits,
		session: Session{
			ID:             id,
			Endpoint:       endpoint,
			Status:         StatusActive,
			UnitType:       unitType,
			RemainingMicro: limits.BudgetMaxMicro,
		},
	}
}

// RecordUsage accrues units at the configured rate. Once the session is
// exhausted or stopped the call is a no-op; the increment that crosses the
// budget is recorded in full and flips the session to exhausted.
func (m *Meter) RecordUsage(units int64) UsageResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.Status != StatusActive {
		return UsageResult{}
	}

	cost := units * m.limits.RatePerUnitMicro
	m.prevTotalMicro = m.session.TotalMicro

	m.session.Units += units
	m.unsettledUnits += units
	m.session.AccruedMicro += cost
	m.session.TotalMicro += cost
	m.session.RemainingMicro = max64(0, m.limits.BudgetMaxMicro-m.session.TotalMicro)

	res := UsageResult{
		CostMicro:      cost,
		ShouldSettle:   m.session.AccruedMicro >= m.limits.MinSettleMicro,
		CrossedWarning: m.prevTotalMicro < m.limits.WarnMicro && m.session.TotalMicro >= m.limits.WarnMicro,
	}
	if m.session.TotalMicro >= m.limits.BudgetMaxMicro {
		m.session.Status = StatusExhausted
		res.Exhausted = true
	}
	return res
}

// RecordSettlement moves amountMicro from accrued into settled and appends
// the receipt. The caller passes the amount it actually transferred, so cost
// accrued while the transfer was in flight stays unsettled until the next
// settlement moves it too. Call only after the transfer confirmed; settling
// speculatively would under-report remaining budget risk while the transfer
// can still fail.
func (m *Meter) RecordSettlement(txHash string, amountMicro int64) (SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.AccruedMicro == 0 || amountMicro <= 0 {
		return SettlementRecord{}, ErrNothingUnsettled
	}
	if amountMicro > m.session.AccruedMicro {
		amountMicro = m.session.AccruedMicro
	}
	units := m.unsettledUnits
	if m.limits.RatePerUnitMicro > 0 {
		// Costs are whole unit multiples, so this division is exact.
		units = amountMicro / m.limits.RatePerUnitMicro
		if units > m.unsettledUnits {
			units = m.unsettledUnits
		}
	}

	rec := SettlementRecord{
		Timestamp:   time.Now().Unix(),
		AmountMicro: amountMicro,
		TxHash:      txHash,
		Units:       units,
	}
	m.session.SettledMicro += amountMicro
	m.session.AccruedMicro -= amountMicro
	m.unsettledUnits -= units
	m.session.Settlements = append(m.session.Settlements, rec)
	return rec, nil
}

// UnsettledMicro is the amount a settlement would move right now.
func (m *Meter) UnsettledMicro() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.AccruedMicro
}

// CheckWarning reports whether total spend has reached the warning threshold.
func (m *Meter) CheckWarning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.TotalMicro >= m.limits.WarnMicro
}

// JustCrossedWarning reports whether the most recent increment crossed the
// warning threshold.
func (m *Meter) JustCrossedWarning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prevTotalMicro < m.limits.WarnMicro && m.session.TotalMicro >= m.limits.WarnMicro
}

// Utilization is total spend as a percentage of the budget. Values at or
// above 100 mean exhausted.
func (m *Meter) Utilization() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limits.BudgetMaxMicro == 0 {
		return 100
	}
	return float64(m.session.TotalMicro) / float64(m.limits.BudgetMaxMicro) * 100
}

func (m *Meter) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Status != StatusActive {
		return fmt.Errorf("cannot pause %s session", m.session.Status)
	}
	m.session.Status = StatusPaused
	return nil
}

func (m *Meter) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Status != StatusPaused {
		return fmt.Errorf("cannot resume %s session", m.session.Status)
	}
	m.session.Status = StatusActive
	return nil
}

// Stop is terminal and idempotent; stopping an exhausted session keeps the
// exhausted status.
func (m *Meter) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Status == StatusExhausted || m.session.Status == StatusStopped {
		return
	}
	m.session.Status = StatusStopped
}

func (m *Meter) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Status
}

// Snapshot copies the session for reporting; the settlements slice is cloned
// so callers cannot mutate the receipts.
func (m *Meter) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	s.Settlements = append([]SettlementRecord(nil), m.session.Settlements...)
	return s
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
