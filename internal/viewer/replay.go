package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/framecast-project/framecast/internal/capture"
)

// Replay feeds every record of a capture to v. With speed > 0 the original
// pacing is reproduced at that multiple; otherwise records are applied as
// fast as they decode. It returns the number of records applied.
func Replay(ctx context.Context, r *capture.Reader, v *Viewer, speed float64) (int, error) {
	start := time.Now()
	n := 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to read record %d: %w", n, err)
		}

		if speed > 0 {
			due := time.Duration(float64(rec.Offset) / speed)
			if wait := due - time.Since(start); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return n, ctx.Err()
				case <-timer.C:
				}
			}
		} else if err := ctx.Err(); err != nil {
			return n, err
		}

		if err := v.Handle(rec.Data); err != nil {
			v.logger.Debug().Err(err).Int("record", n).Msg("record not applied")
		}
		n++
	}
}
