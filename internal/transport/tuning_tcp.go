package transport

import (
	"net"
	"strings"
	"time"
)

const (
	minTCPBuffer = 64 * 1024
	maxTCPBuffer = 64 * 1024 * 1024
)

type TCPTuneResult struct {
	RequestedR int
	KeepAlive  time.Duration
	Status     string
	Err        string
}

// ApplyTCPTuning sets the receive buffer and keep-alive period on conn.
// A zero readBuf leaves the kernel default; a non-positive keepAlive
// disables keep-alives.
func ApplyTCPTuning(conn net.Conn, readBuf int, keepAlive time.Duration) TCPTuneResult {
	result := TCPTuneResult{KeepAlive: keepAlive, Status: StatusOK}
	if readBuf > 0 {
		result.RequestedR = clamp(readBuf, minTCPBuffer, maxTCPBuffer)
	}

	tcp, ok := conn.(*net.TCPConn)
	if !ok || tcp == nil {
		result.Status = StatusNA
		result.Err = "not a TCP connection"
		return result
	}

	var errs []string
	if result.RequestedR > 0 {
		if err := tcp.SetReadBuffer(result.RequestedR); err != nil {
			errs = append(errs, "read: "+err.Error())
		}
	}
	if keepAlive > 0 {
		if err := tcp.SetKeepAlive(true); err != nil {
			errs = append(errs, "keepalive: "+err.Error())
		} else if err := tcp.SetKeepAlivePeriod(keepAlive); err != nil {
			errs = append(errs, "keepalive period: "+err.Error())
		}
	} else if err := tcp.SetKeepAlive(false); err != nil {
		errs = append(errs, "keepalive: "+err.Error())
	}
	if len(errs) > 0 {
		result.Status = StatusDenied
		result.Err = strings.Join(errs, "; ")
	}
	return result
}
