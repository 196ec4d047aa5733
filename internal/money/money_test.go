package money_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/prestasur/synccore/internal/money"
)

func TestParse_RoundTrip(t *testing.T) {
	cases := []string{"0.00", "1500.00", "0.01", "-3.50", "999999999.99", "42.00"}
	for _, s := range cases {
		a, err := money.Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got := a.String(); got != s {
			t.Errorf("Parse(%q).String() = %q", s, got)
		}
	}
}

func TestParse_NormalizesToFixedScale(t *testing.T) {
	a, err := money.Parse("1.5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := a.String(); got != "1.50" {
		t.Errorf("got %q, want \"1.50\"", got)
	}
}

func TestParse_RejectsPrecisionLoss(t *testing.T) {
	for _, s := range []string{"1.505", "0.001", "3.14159"} {
		_, err := money.Parse(s)
		var pl *money.ErrPrecisionLoss
		if !errors.As(err, &pl) {
			t.Errorf("Parse(%q): expected ErrPrecisionLoss, got %v", s, err)
		}
	}
}

func TestParse_RejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "abc", "1,50", "1.2.3"} {
		if _, err := money.Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error", s)
		}
	}
}

func TestFromFloat_RejectsLossyFloats(t *testing.T) {
	if _, err := money.FromFloat(0.1 + 0.2); err == nil {
		t.Error("expected ErrPrecisionLoss for 0.30000000000000004")
	}
	a, err := money.FromFloat(1500.25)
	if err != nil {
		t.Fatalf("FromFloat(1500.25): %v", err)
	}
	if a.String() != "1500.25" {
		t.Errorf("got %q", a.String())
	}
}

func TestArithmetic(t *testing.T) {
	a := money.MustParse("100.10")
	b := money.MustParse("0.05")

	if got := a.Add(b).String(); got != "100.15" {
		t.Errorf("Add: got %q", got)
	}
	if got := a.Sub(b).String(); got != "100.05" {
		t.Errorf("Sub: got %q", got)
	}
	if got := a.Neg().String(); got != "-100.10" {
		t.Errorf("Neg: got %q", got)
	}
	if a.Cmp(b) != 1 || b.Cmp(a) != -1 || a.Cmp(a) != 0 {
		t.Error("Cmp ordering wrong")
	}
}

func TestMulRate_RoundsOnce(t *testing.T) {
	// 3.5% monthly interest on 1000.00 pawns: exactly 35.00.
	principal := money.MustParse("1000.00")
	rate := money.MustParse("3.50")
	if got := principal.MulRate(rate).String(); got != "35.00" {
		t.Errorf("MulRate: got %q", got)
	}

	// 333.33 * 3.50% = 11.66655 -> rounds to 11.67 at the fixed scale.
	odd := money.MustParse("333.33")
	if got := odd.MulRate(rate).String(); got != "11.67" {
		t.Errorf("MulRate rounding: got %q", got)
	}
}

func TestJSON_SerializesAsString(t *testing.T) {
	a := money.MustParse("1500.00")
	b, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `"1500.00"` {
		t.Errorf("got %s", b)
	}

	var back money.Amount
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Cmp(a) != 0 {
		t.Errorf("round trip mismatch: %s", back)
	}
}

func TestAccumulatedInterestNoDrift(t *testing.T) {
	// A thousand applications of a small rate stay exact at two digits.
	balance := money.MustParse("1000.00")
	rate := money.MustParse("1.00")
	total := money.Zero
	for i := 0; i < 1000; i++ {
		total = total.Add(balance.MulRate(rate))
	}
	if got := total.String(); got != "10000.00" {
		t.Errorf("accumulated interest drifted: %q", got)
	}
}
