package transport

// Tuning outcome for a socket option request.
const (
	StatusOK     = "ok"
	StatusDenied = "denied"
	StatusNA     = "n/a"
)

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
