package resource

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// throttleBurst is the largest chunk released at once.
const throttleBurst = 32 * 1024

type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

// Throttle limits reads from r to bytesPerSecond. A non-positive rate
// returns r unchanged.
func Throttle(ctx context.Context, r io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}
	return &throttledReader{
		ctx:     ctx,
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), throttleBurst),
	}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if err := t.ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) > throttleBurst {
		p = p[:throttleBurst]
	}

	n, err := t.r.Read(p)
	if n <= 0 {
		return n, err
	}
	if waitErr := t.limiter.WaitN(t.ctx, n); waitErr != nil {
		return n, waitErr
	}
	return n, err
}
