package feed

import (
	"context"
	"time"

	"feedsync/models"

	"github.com/juju/clock"
)

// DefaultWindow is the debounce window between flushes
const DefaultWindow = 100 * time.Millisecond

// Accumulate coalesces records from source into batches. Every arrival restarts
// a window timer and the pending records are flushed when it fires. When source
// is closed the pending records are flushed immediately and the returned channel
// is closed. No flush is emitted if nothing arrived. A window <= 0 flushes every
// record on its own.
//
// Cancelling ctx stops the accumulator without a final flush.
func Accumulate(ctx context.Context, clk clock.Clock, source <-chan models.RawRecord, window time.Duration) <-chan []models.RawRecord {
	out := make(chan []models.RawRecord)

	go func() {
		defer close(out)

		var (
			pending []models.RawRecord
			timer   clock.Timer
			timeout <-chan time.Time
		)

		flush := func() bool {
			if len(pending) == 0 {
				return true
			}
			batch := pending
			pending = nil
			select {
			case out <- batch:
				return true
			case <-ctx.Done():
				return false
			}
		}

		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case record, ok := <-source:
				if !ok {
					flush()
					return
				}
				pending = append(pending, record)

				if window <= 0 {
					if !flush() {
						return
					}
					continue
				}

				if timer == nil {
					timer = clk.NewTimer(window)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.Chan():
						default:
						}
					}
					timer.Reset(window)
				}
				timeout = timer.Chan()

			case <-timeout:
				timeout = nil
				if !flush() {
					return
				}
			}
		}
	}()

	return out
}
