package measure

import (
	"context"
	"net"
	"time"
)

// DialProbe opens and closes a TCP connection to addr and reports the
// connect time in milliseconds.
func DialProbe(ctx context.Context, addr string, timeout time.Duration) (float64, bool) {
	dialer := &net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, false
	}
	_ = conn.Close()
	return float64(time.Since(start)) / float64(time.Millisecond), true
}
