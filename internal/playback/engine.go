// Package playback plays synthesised units one at a time in release order.
//
// The engine consumes the playback-side ordered delivery buffer's output
// channel: each unit is played to completion before the next is taken, and a
// playback error advances exactly like success so a single broken clip never
// stalls the turn. The distinction survives only in logs and the advance
// callback used for metrics.
package playback

import (
	"context"
	"log/slog"

	"github.com/mntsk/kaiwa/internal/order"
)

// Unit is one playable item: either synthesised audio or a client-side
// speech directive. A failed unit carries neither and is skipped silently.
type Unit struct {
	Audio      []byte
	SampleRate int

	SpeakableText string
	Pitch         float64
	Rate          float64

	// Failed marks a no-op unit released to keep the sequence gap-free.
	Failed bool
}

// Player renders one unit to completion. Implementations wrap whatever audio
// sink the surface provides (a speaker device, a browser audio element, a
// client-side speech engine).
//
// Play blocks until the unit has finished playing, fails, or ctx is
// cancelled. Cancelling ctx must stop the unit promptly.
type Player interface {
	Play(ctx context.Context, u Unit) error
}

// Engine sequences playback for one turn.
type Engine struct {
	player    Player
	logger    *slog.Logger
	onAdvance func(index int, playErr error)
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLogger sets the logger for playback errors.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithOnAdvance registers a callback invoked after every unit, successful or
// not. playErr is nil on success and on skipped no-op units.
func WithOnAdvance(fn func(index int, playErr error)) Option {
	return func(e *Engine) { e.onAdvance = fn }
}

// New constructs an Engine driving the given player.
func New(player Player, opts ...Option) *Engine {
	e := &Engine{
		player: player,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run consumes in-order units until the channel closes (turn complete) or ctx
// is cancelled (user stop). It returns nil on completion and ctx.Err() on
// cancellation. Exactly one unit plays at a time.
func (e *Engine) Run(ctx context.Context, in <-chan order.Item[Unit]) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-in:
			if !ok {
				return nil
			}
			e.playOne(ctx, item)
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
}

// playOne renders a single unit. No-op units and playback errors both advance
// the sequence; only real errors are logged.
func (e *Engine) playOne(ctx context.Context, item order.Item[Unit]) {
	u := item.Value
	if u.Failed || (len(u.Audio) == 0 && u.SpeakableText == "") {
		e.advance(item.Index, nil)
		return
	}

	err := e.player.Play(ctx, u)
	if err != nil && ctx.Err() == nil {
		e.logger.Warn("playback failed, advancing", "index", item.Index, "err", err)
	}
	e.advance(item.Index, err)
}

func (e *Engine) advance(index int, playErr error) {
	if e.onAdvance != nil {
		e.onAdvance(index, playErr)
	}
}
