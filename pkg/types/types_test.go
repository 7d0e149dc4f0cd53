package types

import (
	"testing"
	"time"
)

func TestBusinessDateAddDays(t *testing.T) {
	t.Parallel()

	bd := NewBusinessDate(2023, time.June, 15)
	got := bd.AddDays(2)
	want := NewBusinessDate(2023, time.June, 17)

	if got != want {
		t.Errorf("AddDays(2) = %s, want %s", got, want)
	}
}

func TestBusinessDateDaysUntil(t *testing.T) {
	t.Parallel()

	from := NewBusinessDate(2023, time.June, 15)
	to := NewBusinessDate(2023, time.June, 17)

	if got := from.DaysUntil(to); got != 2 {
		t.Errorf("DaysUntil = %d, want 2", got)
	}
	if got := to.DaysUntil(from); got != -2 {
		t.Errorf("DaysUntil (reverse) = %d, want -2", got)
	}
}

func TestParseBusinessDateRoundTrip(t *testing.T) {
	t.Parallel()

	bd, err := ParseBusinessDate("2023-06-15")
	if err != nil {
		t.Fatalf("ParseBusinessDate: %v", err)
	}
	if got, want := bd.String(), "2023-06-15"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestParseBusinessDateInvalid(t *testing.T) {
	t.Parallel()

	if _, err := ParseBusinessDate("not-a-date"); err == nil {
		t.Error("expected error for malformed business date")
	}
}

func TestPositionKeyString(t *testing.T) {
	t.Parallel()

	k := PositionKey{
		BookID:       "EQUITY-01",
		SecurityID:   "SEC-EQ-001",
		BusinessDate: NewBusinessDate(2023, time.June, 15),
	}
	want := "EQUITY-01|SEC-EQ-001|2023-06-15"
	if got := k.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
