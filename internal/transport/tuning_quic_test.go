package transport

import (
	"testing"
	"time"

	"github.com/quic-go/quic-go"
)

func TestBuildQUICConfigClampsAndCopies(t *testing.T) {
	base := &quic.Config{
		KeepAlivePeriod: 30 * time.Second,
	}
	cfg, res := BuildQUICConfig(base, maxQuicStreamWindow+1, maxQuicMaxStreams+1)
	if res.StreamWin != maxQuicStreamWindow {
		t.Fatalf("expected stream window clamp, got %d", res.StreamWin)
	}
	if res.MaxStreams != maxQuicMaxStreams {
		t.Fatalf("expected max streams clamp, got %d", res.MaxStreams)
	}
	if res.ConnWin != maxQuicConnWindow {
		t.Fatalf("expected conn window clamp, got %d", res.ConnWin)
	}
	if cfg.MaxConnectionReceiveWindow != uint64(maxQuicConnWindow) {
		t.Fatalf("unexpected conn window in config")
	}
	if cfg.InitialConnectionReceiveWindow != uint64(defaultInitialConnWindow) {
		t.Fatalf("unexpected initial conn window %d", cfg.InitialConnectionReceiveWindow)
	}
	if cfg.MaxStreamReceiveWindow != uint64(maxQuicStreamWindow) {
		t.Fatalf("unexpected stream window in config")
	}
	if cfg.MaxIncomingStreams != int64(maxQuicMaxStreams) {
		t.Fatalf("unexpected max streams in config")
	}
	if cfg.KeepAlivePeriod != base.KeepAlivePeriod {
		t.Fatalf("expected keepalive preserved from base")
	}
	if base.InitialConnectionReceiveWindow != 0 {
		t.Fatalf("expected base config untouched")
	}
}

func TestBuildQUICConfigSmallValues(t *testing.T) {
	cfg, res := BuildQUICConfig(nil, 0, 0)
	if res.StreamWin != minQuicStreamWindow || res.MaxStreams != minQuicMaxStreams {
		t.Fatalf("expected minimum clamps, got %+v", res)
	}
	if res.ConnWin != minQuicConnWindow {
		t.Fatalf("expected min conn window, got %d", res.ConnWin)
	}
	if cfg.InitialConnectionReceiveWindow != uint64(minQuicConnWindow) {
		t.Fatalf("initial conn window should not exceed max, got %d", cfg.InitialConnectionReceiveWindow)
	}
}
