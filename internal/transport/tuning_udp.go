package transport

import (
	"net"
	"strings"
)

const (
	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024
)

type UDPTuneResult struct {
	RequestedR int
	RequestedW int
	Status     string
	Err        string
}

// ApplyUDPBuffers asks the kernel for larger socket buffers on conn. QUIC
// throughput on fast links depends on it; failures are reported, not fatal.
func ApplyUDPBuffers(conn *net.UDPConn, r, w int) UDPTuneResult {
	result := UDPTuneResult{
		RequestedR: clamp(r, minUDPBuffer, maxUDPBuffer),
		RequestedW: clamp(w, minUDPBuffer, maxUDPBuffer),
		Status:     StatusOK,
	}
	if conn == nil {
		result.Status = StatusNA
		result.Err = "no access to underlying UDPConn"
		return result
	}

	var errs []string
	if err := conn.SetReadBuffer(result.RequestedR); err != nil {
		errs = append(errs, "read: "+err.Error())
	}
	if err := conn.SetWriteBuffer(result.RequestedW); err != nil {
		errs = append(errs, "write: "+err.Error())
	}
	if len(errs) > 0 {
		result.Status = StatusDenied
		result.Err = strings.Join(errs, "; ")
	}
	return result
}
