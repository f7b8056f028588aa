package transport

import (
	"testing"
	"time"
)

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{-5, "0 B"},
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.00 KiB"},
		{1536 * 1024, "1.50 MiB"},
		{1 << 30, "1.00 GiB"},
		{5 << 40, "5.00 TiB"},
		{2048 << 40, "2048.00 TiB"},
	}
	for _, c := range cases {
		if got := FormatBytes(c.in); got != c.want {
			t.Fatalf("FormatBytes(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFormatRate(t *testing.T) {
	if got := FormatRate(10, 0); got != "0 B/s" {
		t.Fatalf("expected 0 B/s for zero elapsed, got %q", got)
	}
	if got := FormatRate(2<<20, 2*time.Second); got != "1.00 MiB/s" {
		t.Fatalf("expected 1.00 MiB/s, got %q", got)
	}
}
