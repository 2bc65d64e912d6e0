// Package pipe relays one agent's spoken audio into another agent's input
// while playing it locally.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ent0n29/realtalk/internal/audio"
	"go.uber.org/zap"
)

// Appender accepts raw PCM16 input audio. *session.Session implements it.
type Appender interface {
	AppendAudio(chunk []byte) error
}

// Run plays every chunk from src on sink and then appends it to dst, in
// order. It returns nil when src closes and ctx.Err() when ctx ends first.
// Per-chunk failures are logged and do not stop the relay; repeated failures
// of the same kind are logged once until the next success.
func Run(ctx context.Context, src <-chan []byte, dst Appender, sink audio.Sink, logger *zap.Logger) error {
	if sink == nil {
		sink = audio.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var sinkFailing, appendFailing bool
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-src:
			if !ok {
				return nil
			}
			if err := sink.Write(audio.PCM16ToFloat32(chunk)); err != nil {
				if !sinkFailing {
					logger.Warn("playback write failed", zap.Error(err))
				}
				sinkFailing = true
			} else {
				sinkFailing = false
			}
			if err := dst.AppendAudio(chunk); err != nil {
				if !appendFailing {
					logger.Warn("relay append failed", zap.Int("bytes", len(chunk)), zap.Error(err))
				}
				appendFailing = true
			} else {
				appendFailing = false
			}
		}
	}
}

// Endpoint is one side of a two-agent conversation.
type Endpoint struct {
	Name  string
	Audio <-chan []byte
	Input Appender
	Sink  audio.Sink
}

// Cross relays a's audio into b and b's audio into a until both streams end
// or ctx is done. Errors from both directions are joined.
func Cross(ctx context.Context, a, b Endpoint, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		wg   sync.WaitGroup
		errs [2]error
	)
	relay := func(i int, from, to Endpoint) {
		defer wg.Done()
		l := logger.With(zap.String("from", from.Name), zap.String("to", to.Name))
		if err := Run(ctx, from.Audio, to.Input, from.Sink, l); err != nil {
			errs[i] = fmt.Errorf("%s -> %s: %w", from.Name, to.Name, err)
		}
		l.Info("relay ended")
	}
	wg.Add(2)
	go relay(0, a, b)
	go relay(1, b, a)
	wg.Wait()
	return errors.Join(errs[0], errs[1])
}
