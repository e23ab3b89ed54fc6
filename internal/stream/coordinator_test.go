package stream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/veilpay/veilpay/internal/meter"
)

var (
	feedRecipient    = common.HexToAddress("0xFEED000000000000000000000000000000000001")
	defaultRecipient = common.HexToAddress("0xDEFA000000000000000000000000000000000002")
)

type fakeTransferrer struct {
	mu        sync.Mutex
	transfers []fakeTransfer
}

type fakeTransfer struct {
	to          common.Address
	amountMicro int64
}

func (f *fakeTransferrer) Transfer(_ context.Context, to common.Address, amountMicro int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, fakeTransfer{to, amountMicro})
	return fmt.Sprintf("0xtx%d", len(f.transfers)), nil
}

func (f *fakeTransferrer) all() []fakeTransfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeTransfer(nil), f.transfers...)
}

// chunkServer streams the given chunks with a flush after each, optionally
// advertising a payment recipient and pacing chunks by delay.
func chunkServer(t *testing.T, recipient string, chunks []string, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if recipient != "" {
			w.Header().Set(RecipientHeader, recipient)
		}
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			if _, err := w.Write([]byte(c)); err != nil {
				return
			}
			flusher.Flush()
			if delay > 0 {
				time.Sleep(delay)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testLimits() meter.Limits {
	return meter.Limits{
		RatePerUnitMicro: 1_000,
		BudgetMaxMicro:   1_000_000,
		MinSettleMicro:   100_000,
		WarnMicro:        800_000,
	}
}

// ── Unit counting ────────────────────────────────────────────────────────────

func TestUnitCounter_Token(t *testing.T) {
	u := newUnitCounter(UnitToken, time.Now())
	if got := u.count([]byte("one two  three\nfour"), time.Now()); got != 4 {
		t.Fatalf("tokens: got %d want 4", got)
	}
	if got := u.count([]byte("   "), time.Now()); got != 0 {
		t.Fatalf("whitespace chunk: got %d want 0", got)
	}
}

func TestUnitCounter_KilobyteCarriesRemainder(t *testing.T) {
	u := newUnitCounter(UnitKilobyte, time.Now())
	if got := u.count(make([]byte, 700), time.Now()); got != 0 {
		t.Fatalf("700B: got %d want 0", got)
	}
	// 700 + 700 = 1400 -> 1 unit, 376 carried
	if got := u.count(make([]byte, 700), time.Now()); got != 1 {
		t.Fatalf("1400B: got %d want 1", got)
	}
	if got := u.count(make([]byte, 2048), time.Now()); got != 2 {
		t.Fatalf("carry+2048B: got %d want 2", got)
	}
	// 376 bytes remain: the trailing partial kilobyte bills as one unit.
	if got := u.finish(); got != 1 {
		t.Fatalf("finish: got %d want 1", got)
	}
	if got := u.finish(); got != 0 {
		t.Fatalf("second finish: got %d want 0", got)
	}
}

func TestUnitCounter_RequestCountsOnce(t *testing.T) {
	u := newUnitCounter(UnitRequest, time.Now())
	if got := u.count([]byte("a"), time.Now()); got != 1 {
		t.Fatalf("first chunk: got %d want 1", got)
	}
	if got := u.count([]byte("b"), time.Now()); got != 0 {
		t.Fatalf("second chunk: got %d want 0", got)
	}
}

func TestUnitCounter_SecondTracksWallTime(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	u := newUnitCounter(UnitSecond, start)
	if got := u.count(nil, start.Add(500*time.Millisecond)); got != 0 {
		t.Fatalf("0.5s: got %d want 0", got)
	}
	if got := u.count(nil, start.Add(2500*time.Millisecond)); got != 2 {
		t.Fatalf("2.5s: got %d want 2", got)
	}
	// Remainder carried: 0.5s + 0.6s crosses the next whole second.
	if got := u.count(nil, start.Add(3100*time.Millisecond)); got != 1 {
		t.Fatalf("3.1s: got %d want 1", got)
	}
}

func TestParseUnitType(t *testing.T) {
	for _, s := range []string{"token", "second", "request", "kilobyte"} {
		if _, err := ParseUnitType(s); err != nil {
			t.Errorf("ParseUnitType(%q): %v", s, err)
		}
	}
	if _, err := ParseUnitType("minute"); err == nil {
		t.Error("accepted unknown unit type")
	}
}

func TestOpenSource_RejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	t.Cleanup(srv.Close)

	_, err := OpenSource(context.Background(), srv.Client(), srv.URL, defaultRecipient)
	if err == nil {
		t.Fatal("opened a non-200 stream")
	}
}

// ── Full session lifecycle ───────────────────────────────────────────────────

func TestStream_CompletesAndSettles(t *testing.T) {
	srv := chunkServer(t, feedRecipient.Hex(), []string{strings.Repeat("x", 2048)}, 0)
	ft := &fakeTransferrer{}
	reg := NewRegistry(ft, zap.NewNop())

	var sink bytes.Buffer
	c, err := reg.Start(context.Background(), Config{
		Endpoint:         srv.URL,
		UnitType:         UnitKilobyte,
		Limits:           testLimits(),
		DefaultRecipient: defaultRecipient,
		SettleInterval:   time.Hour, // only the final settle fires
		Sink:             &sink,
		HTTPClient:       srv.Client(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-c.Done()

	s := c.Session()
	if s.Status != meter.StatusStopped {
		t.Fatalf("status: got %s", s.Status)
	}
	// 2048 bytes = 2 units at 1000 micro
	if s.TotalMicro != 2_000 {
		t.Fatalf("total: got %d want 2000", s.TotalMicro)
	}
	if s.AccruedMicro != 0 || s.SettledMicro != 2_000 {
		t.Fatalf("final settle incomplete: accrued=%d settled=%d", s.AccruedMicro, s.SettledMicro)
	}
	if sink.Len() != 2048 {
		t.Fatalf("sink: got %d bytes want 2048", sink.Len())
	}

	// Settlement went to the header-advertised recipient.
	transfers := ft.all()
	var sum int64
	for _, tr := range transfers {
		if tr.to != feedRecipient {
			t.Fatalf("transfer to %s, want %s", tr.to.Hex(), feedRecipient.Hex())
		}
		sum += tr.amountMicro
	}
	if sum != 2_000 {
		t.Fatalf("transferred: got %d want 2000", sum)
	}

	// Session removed from the registry.
	if _, err := reg.Get(c.ID()); err == nil {
		t.Fatal("stopped session still registered")
	}
}

func TestStream_RecipientFallback(t *testing.T) {
	srv := chunkServer(t, "", []string{strings.Repeat("y", 1024)}, 0)
	ft := &fakeTransferrer{}
	reg := NewRegistry(ft, zap.NewNop())

	c, err := reg.Start(context.Background(), Config{
		Endpoint:         srv.URL,
		UnitType:         UnitKilobyte,
		Limits:           testLimits(),
		DefaultRecipient: defaultRecipient,
		SettleInterval:   time.Hour,
		HTTPClient:       srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}
	<-c.Done()

	transfers := ft.all()
	if len(transfers) == 0 {
		t.Fatal("no settlement issued")
	}
	for _, tr := range transfers {
		if tr.to != defaultRecipient {
			t.Fatalf("transfer to %s, want fallback %s", tr.to.Hex(), defaultRecipient.Hex())
		}
	}
}

func TestStream_ExhaustionStopsConsumption(t *testing.T) {
	// 16 KiB feed against a 3-unit budget.
	chunks := make([]string, 16)
	for i := range chunks {
		chunks[i] = strings.Repeat("z", 1024)
	}
	srv := chunkServer(t, feedRecipient.Hex(), chunks, time.Millisecond)
	ft := &fakeTransferrer{}
	reg := NewRegistry(ft, zap.NewNop())

	limits := testLimits()
	limits.BudgetMaxMicro = 3_000
	limits.WarnMicro = 2_000

	c, err := reg.Start(context.Background(), Config{
		Endpoint:         srv.URL,
		UnitType:         UnitKilobyte,
		Limits:           limits,
		DefaultRecipient: defaultRecipient,
		SettleInterval:   time.Hour,
		HTTPClient:       srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}
	<-c.Done()

	s := c.Session()
	if s.Status != meter.StatusExhausted {
		t.Fatalf("status: got %s want exhausted", s.Status)
	}
	if s.TotalMicro < 3_000 {
		t.Fatalf("total below budget at exhaustion: %d", s.TotalMicro)
	}
	if s.AccruedMicro != 0 {
		t.Fatalf("unsettled amount left after exhaustion stop: %d", s.AccruedMicro)
	}
}

func TestStream_PauseGatesConsumption(t *testing.T) {
	chunks := make([]string, 20)
	for i := range chunks {
		chunks[i] = strings.Repeat("p", 1024)
	}
	srv := chunkServer(t, feedRecipient.Hex(), chunks, 40*time.Millisecond)
	reg := NewRegistry(&fakeTransferrer{}, zap.NewNop())

	c, err := reg.Start(context.Background(), Config{
		Endpoint:         srv.URL,
		UnitType:         UnitKilobyte,
		Limits:           testLimits(),
		DefaultRecipient: defaultRecipient,
		SettleInterval:   time.Hour,
		HTTPClient:       srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	// An in-flight read may still land; after that the loop must idle.
	time.Sleep(100 * time.Millisecond)
	before := c.Session().Units
	time.Sleep(200 * time.Millisecond)
	if after := c.Session().Units; after != before {
		t.Fatalf("units advanced while paused: %d -> %d", before, after)
	}
	if c.Session().Status != meter.StatusPaused {
		t.Fatalf("status: got %s want paused", c.Session().Status)
	}

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	<-c.Done()
	if got := c.Session().Units; got <= before {
		t.Fatalf("no consumption after resume: %d", got)
	}
}

func TestStream_StopIsIdempotent(t *testing.T) {
	chunks := make([]string, 50)
	for i := range chunks {
		chunks[i] = strings.Repeat("s", 1024)
	}
	srv := chunkServer(t, feedRecipient.Hex(), chunks, 20*time.Millisecond)
	ft := &fakeTransferrer{}
	reg := NewRegistry(ft, zap.NewNop())

	c, err := reg.Start(context.Background(), Config{
		Endpoint:         srv.URL,
		UnitType:         UnitKilobyte,
		Limits:           testLimits(),
		DefaultRecipient: defaultRecipient,
		SettleInterval:   time.Hour,
		HTTPClient:       srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(80 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop()
		}()
	}
	wg.Wait()
	<-c.Done()

	s := c.Session()
	if s.Status != meter.StatusStopped {
		t.Fatalf("status: got %s", s.Status)
	}
	// The final settlement ran exactly once: everything accrued is settled
	// and the transfers add up to it.
	if s.AccruedMicro != 0 {
		t.Fatalf("unsettled after stop: %d", s.AccruedMicro)
	}
	var sum int64
	for _, tr := range ft.all() {
		sum += tr.amountMicro
	}
	if sum != s.SettledMicro {
		t.Fatalf("transferred %d, settled %d", sum, s.SettledMicro)
	}
	if _, err := reg.Get(c.ID()); err == nil {
		t.Fatal("stopped session still registered")
	}
}

func TestRegistry_ActiveAndStopAll(t *testing.T) {
	chunks := make([]string, 100)
	for i := range chunks {
		chunks[i] = strings.Repeat("a", 512)
	}
	srv := chunkServer(t, feedRecipient.Hex(), chunks, 10*time.Millisecond)
	reg := NewRegistry(&fakeTransferrer{}, zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := reg.Start(context.Background(), Config{
			Endpoint:         srv.URL,
			UnitType:         UnitKilobyte,
			Limits:           testLimits(),
			DefaultRecipient: defaultRecipient,
			SettleInterval:   time.Hour,
			HTTPClient:       srv.Client(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if got := len(reg.Active()); got != 3 {
		t.Fatalf("active: got %d want 3", got)
	}
	reg.StopAll()
	if got := len(reg.Active()); got != 0 {
		t.Fatalf("active after StopAll: got %d", got)
	}
}
