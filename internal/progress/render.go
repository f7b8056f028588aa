package progress

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sheerbytes/chunkrecv/internal/transport"
)

// Line renders one progress line, e.g.
// "a.txt  12.50 MiB / 50.00 MiB  25.0%  4.00 MiB/s  ETA 9s".
func Line(label string, s Stats) string {
	line := fmt.Sprintf("%s  %s / %s  %5.1f%%  %s/s",
		label,
		transport.FormatBytes(s.BytesDone),
		transport.FormatBytes(s.Total),
		s.Percent,
		transport.FormatBytes(int64(s.RateBps)),
	)
	if s.ETA > 0 {
		line += "  ETA " + s.ETA.Round(time.Second).String()
	}
	return line
}

// Report redraws the progress line for m on w every interval until ctx is
// done, then draws it once more and ends the line.
func Report(ctx context.Context, w io.Writer, m *Meter, label string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(w, "\r%s\n", Line(label, m.Snapshot()))
			return
		case <-ticker.C:
			fmt.Fprintf(w, "\r%s", Line(label, m.Snapshot()))
		}
	}
}
