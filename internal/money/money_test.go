package money

import "testing"

// ── ParseMicro / FormatMicro ─────────────────────────────────────────────────

func TestParseMicro(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1", 1_000_000},
		{"1.25", 1_250_000},
		{"0.000001", 1},
		{"12345.678901", 12_345_678_901},
	}
	for _, c := range cases {
		got, err := ParseMicro(c.in)
		if err != nil {
			t.Errorf("ParseMicro(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseMicro(%q): got %d want %d", c.in, got, c.want)
		}
	}
}

func TestParseMicro_RejectsSubMicro(t *testing.T) {
	if _, err := ParseMicro("0.0000001"); err == nil {
		t.Fatal("expected error for 7 decimal places")
	}
	if _, err := ParseMicro("not-a-number"); err == nil {
		t.Fatal("expected error for garbage input")
	}
}

func TestFormatMicro_RoundTrip(t *testing.T) {
	for _, s := range []string{"0", "1.25", "0.000001", "99999.999999"} {
		micro, err := ParseMicro(s)
		if err != nil {
			t.Fatal(err)
		}
		back, err := ParseMicro(FormatMicro(micro))
		if err != nil {
			t.Fatal(err)
		}
		if back != micro {
			t.Errorf("%q: round-trip got %d want %d", s, back, micro)
		}
	}
}

// Accumulating the smallest unit many times must be exact — the whole reason
// amounts are integers internally.
func TestMicro_NoAccumulationDrift(t *testing.T) {
	unit, _ := ParseMicro("0.000001")
	var sum int64
	for i := 0; i < 1_000_000; i++ {
		sum += unit
	}
	if got := FormatMicro(sum); got != "1" {
		t.Fatalf("1e6 * 0.000001: got %s want 1", got)
	}
}

// ── SplitEqual ───────────────────────────────────────────────────────────────

func TestSplitEqual_ThreeWay(t *testing.T) {
	share, rem, err := SplitEqual("100", 3)
	if err != nil {
		t.Fatal(err)
	}
	if share != "33.33" {
		t.Errorf("share: got %s want 33.33", share)
	}
	if rem != "0.01" {
		t.Errorf("remainder: got %s want 0.01", rem)
	}
}

func TestSplitEqual_TwoWay(t *testing.T) {
	share, rem, err := SplitEqual("100", 2)
	if err != nil {
		t.Fatal(err)
	}
	if share != "50.00" {
		t.Errorf("share: got %s want 50.00", share)
	}
	if rem != "0.00" {
		t.Errorf("remainder: got %s want 0.00", rem)
	}
}

func TestSplitEqual_ZeroRecipients(t *testing.T) {
	if _, _, err := SplitEqual("100", 0); err == nil {
		t.Fatal("expected error for n=0")
	}
}
