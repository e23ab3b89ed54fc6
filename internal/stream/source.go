package stream

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RecipientHeader is the response header a metered endpoint may use to
// advertise its payment address. Absent or malformed, the configured default
// recipient is used.
const RecipientHeader = "X-Payment-Recipient"

const readChunkSize = 4096

// Source is a single-pass reader over a metered HTTP endpoint's body. Each
// chunk is produced exactly once; the source is not restartable.
type Source struct {
	resp      *http.Response
	recipient common.Address
	buf       []byte
}

// OpenSource starts the request and resolves the payment recipient from the
// response metadata, falling back to fallback.
func OpenSource(ctx context.Context, client *http.Client, endpoint string, fallback common.Address) (*Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open stream %s: status %d", endpoint, resp.StatusCode)
	}

	recipient := fallback
	if h := resp.Header.Get(RecipientHeader); common.IsHexAddress(h) {
		recipient = common.HexToAddress(h)
	}
	return &Source{resp: resp, recipient: recipient, buf: make([]byte, readChunkSize)}, nil
}

// Recipient is the resolved payee for this stream.
func (s *Source) Recipient() common.Address { return s.recipient }

// Next returns the next chunk of the body; io.EOF ends the stream. The
// returned slice is only valid until the next call.
func (s *Source) Next() ([]byte, error) {
	n, err := s.resp.Body.Read(s.buf)
	if n > 0 {
		return s.buf[:n], nil
	}
	return nil, err
}

func (s *Source) Close() error { return s.resp.Body.Close() }

// UnitType selects the counting rule applied to consumed chunks.
type UnitType string

const (
	UnitToken    UnitType = "token"    // whitespace-separated tokens
	UnitSecond   UnitType = "second"   // whole seconds of wall time
	UnitRequest  UnitType = "request"  // one unit for the whole stream
	UnitKilobyte UnitType = "kilobyte" // whole KiB of body, remainder rounds up at end
)

func ParseUnitType(s string) (UnitType, error) {
	switch UnitType(s) {
	case UnitToken, UnitSecond, UnitRequest, UnitKilobyte:
		return UnitType(s), nil
	}
	return "", fmt.Errorf("unknown unit type %q", s)
}

// unitCounter turns chunks into billable units. Kilobyte and second counting
// carry remainders between chunks so unit totals do not depend on chunk
// boundaries.
type unitCounter struct {
	typ        UnitType
	carryBytes int64
	lastTick   time.Time
	counted    bool
}

func newUnitCounter(typ UnitType, now time.Time) *unitCounter {
	return &unitCounter{typ: typ, lastTick: now}
}

func (u *unitCounter) count(chunk []byte, now time.Time) int64 {
	switch u.typ {
	case UnitToken:
		return int64(len(strings.Fields(string(chunk))))
	case UnitKilobyte:
		u.carryBytes += int64(len(chunk))
		units := u.carryBytes / 1024
		u.carryBytes -= units * 1024
		return units
	case UnitSecond:
		elapsed := int64(now.Sub(u.lastTick) / time.Second)
		if elapsed > 0 {
			u.lastTick = u.lastTick.Add(time.Duration(elapsed) * time.Second)
		}
		return elapsed
	case UnitRequest:
		if u.counted {
			return 0
		}
		u.counted = true
		return 1
	}
	return 0
}

// finish returns the units owed for any trailing remainder (a partial final
// kilobyte bills as a whole one).
func (u *unitCounter) finish() int64 {
	if u.typ == UnitKilobyte && u.carryBytes > 0 {
		u.carryBytes = 0
		return 1
	}
	return 0
}
