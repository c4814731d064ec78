// Package source supplies camera frames to the engine. Live acquisition is
// an external collaborator; this package provides the Source contract, a
// bounded read helper and the replay and synthetic sources used for
// development and tests.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/marker.locator/internal/framehistory"
	"github.com/banshee-data/marker.locator/internal/timeutil"
)

// ErrFrameTimeout is returned when no frame arrives within the read
// timeout.
var ErrFrameTimeout = errors.New("frame read timed out")

// Source yields frames in capture order. Next returns io.EOF once the
// stream has ended and must return promptly when ctx is done.
type Source interface {
	Next(ctx context.Context) (framehistory.Record, error)
	Close() error
}

// NextWithTimeout reads one frame, giving up after timeout. A timeout is
// reported as ErrFrameTimeout; cancellation of ctx is reported as the
// context's error. A non-positive timeout waits indefinitely.
func NextWithTimeout(ctx context.Context, src Source, timeout time.Duration) (framehistory.Record, error) {
	if timeout <= 0 {
		return src.Next(ctx)
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rec, err := src.Next(rctx)
	if err != nil && ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return framehistory.Record{}, fmt.Errorf("%w after %v", ErrFrameTimeout, timeout)
	}
	return rec, err
}

// Replay yields one empty frame per sequence number, paced by interval.
// Paired with detect.Fixtures it replays a recorded run.
type Replay struct {
	seqs     []uint64
	interval time.Duration
	clock    timeutil.Clock
	next     int
}

// NewReplay creates a replay over seqs. A nil clock uses the real clock.
func NewReplay(seqs []uint64, interval time.Duration, clock timeutil.Clock) *Replay {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Replay{seqs: seqs, interval: interval, clock: clock}
}

// Next returns the next recorded frame.
func (r *Replay) Next(ctx context.Context) (framehistory.Record, error) {
	if r.next >= len(r.seqs) {
		return framehistory.Record{}, io.EOF
	}
	if err := wait(ctx, r.interval); err != nil {
		return framehistory.Record{}, err
	}
	rec := framehistory.Record{Seq: r.seqs[r.next], Captured: r.clock.Now()}
	r.next++
	return rec, nil
}

// Close is a no-op.
func (r *Replay) Close() error { return nil }

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
