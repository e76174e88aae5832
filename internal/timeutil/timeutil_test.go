package timeutil

import (
	"testing"
	"time"
)

func TestFormatBeijing_ConvertsFromUTC(t *testing.T) {
	utc := time.Date(2026, 7, 30, 4, 0, 0, 0, time.UTC)
	got := FormatBeijing(utc)
	want := "2026-07-30 12:00:00"
	if got != want {
		t.Errorf("FormatBeijing(%v) = %q, want %q", utc, got, want)
	}
}

func TestFormatBeijing_CrossesDateBoundary(t *testing.T) {
	utc := time.Date(2026, 7, 30, 23, 0, 0, 0, time.UTC)
	got := FormatBeijing(utc)
	want := "2026-07-31 07:00:00"
	if got != want {
		t.Errorf("FormatBeijing(%v) = %q, want %q", utc, got, want)
	}
}

func TestParseBeijing_RoundTripsToUTC(t *testing.T) {
	parsed, err := ParseBeijing("2026-07-30 12:00:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 7, 30, 4, 0, 0, 0, time.UTC)
	if !parsed.Equal(want) {
		t.Errorf("ParseBeijing = %v, want %v", parsed, want)
	}
	if parsed.Location() != time.UTC {
		t.Errorf("expected ParseBeijing to return a UTC-located time, got location %v", parsed.Location())
	}
}

func TestParseBeijing_InvalidLayout(t *testing.T) {
	if _, err := ParseBeijing("not-a-timestamp"); err == nil {
		t.Fatal("expected an error for a malformed timestamp")
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	original := "2026-01-01 00:00:00"
	parsed, err := ParseBeijing(original)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := FormatBeijing(parsed); got != original {
		t.Errorf("round trip mismatch: got %q, want %q", got, original)
	}
}

func TestNow_ReturnsBeijingLocation(t *testing.T) {
	now := Now()
	_, offset := now.Zone()
	if offset != 8*60*60 {
		t.Errorf("expected a fixed +8:00 offset, got %d seconds", offset)
	}
}
