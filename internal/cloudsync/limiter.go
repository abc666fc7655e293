package cloudsync

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

const limiterBurst = 256 * 1024

// NewBandwidthLimiter returns a token bucket of mbps megabits per second
// measured in bytes. Zero or negative mbps means unlimited and yields nil.
func NewBandwidthLimiter(mbps int) *rate.Limiter {
	if mbps <= 0 {
		return nil
	}
	bytesPerSec := float64(mbps) * 1_000_000 / 8
	return rate.NewLimiter(rate.Limit(bytesPerSec), limiterBurst)
}

// limitedReader charges every read against a shared limiter.
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func newLimitedReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &limitedReader{ctx: ctx, r: r, limiter: limiter}
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if burst := l.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
