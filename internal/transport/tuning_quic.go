package transport

import "github.com/quic-go/quic-go"

const (
	defaultInitialConnWindow = 2 * 1024 * 1024
	minQuicConnWindow        = 1 * 1024 * 1024
	maxQuicConnWindow        = 1024 * 1024 * 1024
	minQuicStreamWindow      = 1 * 1024 * 1024
	maxQuicStreamWindow      = 256 * 1024 * 1024
	minQuicMaxStreams        = 1
	maxQuicMaxStreams        = 2048
)

type QUICTuneResult struct {
	ConnWin    int
	StreamWin  int
	MaxStreams int
	Status     string
}

// BuildQUICConfig returns a copy of base with flow-control windows and the
// incoming stream limit clamped to sane bounds. The connection window is
// sized to hold maxStreams full stream windows. base is not modified.
func BuildQUICConfig(base *quic.Config, streamWin, maxStreams int) (*quic.Config, QUICTuneResult) {
	cfg := &quic.Config{}
	if base != nil {
		copyCfg := *base
		cfg = &copyCfg
	}

	stream := clamp(streamWin, minQuicStreamWindow, maxQuicStreamWindow)
	maxStr := clamp(maxStreams, minQuicMaxStreams, maxQuicMaxStreams)
	conn := clamp(stream*maxStr, minQuicConnWindow, maxQuicConnWindow)
	initialConn := min(defaultInitialConnWindow, conn)

	cfg.InitialConnectionReceiveWindow = uint64(initialConn)
	cfg.MaxConnectionReceiveWindow = uint64(conn)
	cfg.InitialStreamReceiveWindow = uint64(stream)
	cfg.MaxStreamReceiveWindow = uint64(stream)
	cfg.MaxIncomingStreams = int64(maxStr)

	return cfg, QUICTuneResult{
		ConnWin:    conn,
		StreamWin:  stream,
		MaxStreams: maxStr,
		Status:     StatusOK,
	}
}
