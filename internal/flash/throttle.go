package flash

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttled paces writes and erases on a device to a fixed byte rate. It is
// used by the host tooling to approximate slow SPI flash.
type Throttled struct {
	Storage
	limiter *rate.Limiter
	ctx     context.Context
}

// Throttle wraps st so that programmed and erased bytes are limited to
// bytesPerSec. A non-positive rate returns st unchanged.
//
//nolint:ireturn // returns st itself when unthrottled
func Throttle(ctx context.Context, st Storage, bytesPerSec int64) Storage {
	if bytesPerSec <= 0 {
		return st
	}
	burst := st.BlockSize()
	if int64(burst) < bytesPerSec {
		burst = int(min(bytesPerSec, 1<<20))
	}
	return &Throttled{
		Storage: st,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

func (t *Throttled) Write(off int64, p []byte) error {
	if err := t.wait(len(p)); err != nil {
		return err
	}
	return t.Storage.Write(off, p)
}

func (t *Throttled) Erase(off, n int64) error {
	for done := int64(0); done < n; done += int64(t.BlockSize()) {
		if err := t.wait(t.BlockSize()); err != nil {
			return err
		}
	}
	return t.Storage.Erase(off, n)
}

func (t *Throttled) wait(n int) error {
	for n > 0 {
		step := min(n, t.limiter.Burst())
		if err := t.limiter.WaitN(t.ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
