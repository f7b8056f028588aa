package transport

import (
	"fmt"
	"time"
)

// FormatBytes renders n with a binary unit suffix, e.g. "1.50 MiB".
func FormatBytes(n int64) string {
	if n < 1024 {
		if n < 0 {
			n = 0
		}
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"KiB", "MiB", "GiB", "TiB"}
	v := float64(n) / 1024
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", v, units[i])
}

// FormatRate renders bytes over elapsed as a per-second rate.
func FormatRate(n int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "0 B/s"
	}
	return FormatBytes(int64(float64(n)/elapsed.Seconds())) + "/s"
}
