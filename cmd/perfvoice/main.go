// Command perfvoice measures realtime response latency: it opens one agent
// session, drives a series of turns and reports time to first audio and turn
// duration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/realtalk/internal/agent"
	"github.com/ent0n29/realtalk/internal/audio"
	"github.com/ent0n29/realtalk/internal/config"
	"github.com/ent0n29/realtalk/internal/protocol"
	"github.com/ent0n29/realtalk/internal/session"
)

type options struct {
	voice          string
	turns          int
	chunkMS        int
	realtime       float64
	clipPath       string
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type turnResult struct {
	firstAudio time.Duration
	total      time.Duration
	bytes      int
}

var defaultUtterances = []string{
	"Reply in three words: latency bottleneck?",
	"Reply in three words: next optimization?",
	"Reply in three words: architecture summary?",
	"Reply in three words: top risk?",
}

var errTurnTimeout = errors.New("turn timed out")

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: config: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg, opts); err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var opts options
	var textsRaw string

	flag.StringVar(&opts.voice, "voice", string(agent.DefaultVoice), "agent voice")
	flag.IntVar(&opts.turns, "turns", 10, "number of turns to drive")
	flag.IntVar(&opts.chunkMS, "chunk-ms", 45, "input audio chunk size in milliseconds (with -clip)")
	flag.Float64Var(&opts.realtime, "realtime", 3.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.StringVar(&opts.clipPath, "clip", "", "optional 16-bit WAV spoken into the session each turn instead of text prompts")
	flag.DurationVar(&opts.startDelay, "start-delay", 900*time.Millisecond, "delay before the first turn")
	flag.DurationVar(&opts.interTurnDelay, "inter-turn", 180*time.Millisecond, "delay between turns")
	flag.DurationVar(&opts.turnTimeout, "turn-timeout", 15*time.Second, "timeout waiting for the end of a response")
	flag.StringVar(&textsRaw, "texts", "", "prompts separated by '|' (optional)")
	flag.BoolVar(&opts.verbose, "verbose", true, "print per-turn progress")
	flag.Parse()

	if opts.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if opts.chunkMS < 10 || opts.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if opts.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if opts.turnTimeout < time.Second {
		opts.turnTimeout = time.Second
	}
	opts.texts = splitTexts(textsRaw)
	return opts, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), defaultUtterances...)
	}
	return out
}

func run(cfg config.Config, opts options) error {
	voice, err := protocol.ParseVoice(opts.voice)
	if err != nil {
		return err
	}
	var clip []byte
	if opts.clipPath != "" {
		clip, err = loadClip(opts.clipPath, cfg.SampleRate)
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	codec := protocol.NewCodec(cfg.SampleRate, cfg.SilenceDuration)
	s, stream, err := agent.Connect(ctx, agent.Config{
		URL:        cfg.RealtimeURL,
		Model:      cfg.RealtimeModel,
		Voice:      voice,
		Credential: cfg.Credential(os.LookupEnv),
	}, session.Options{Codec: codec, Logger: zap.NewNop()})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer s.Close()

	if opts.verbose {
		fmt.Printf("perfvoice: session=%s model=%s turns=%d clip=%t\n", s.ID(), cfg.RealtimeModel, opts.turns, clip != nil)
	}
	time.Sleep(opts.startDelay)

	results := make([]turnResult, 0, opts.turns)
	for i := 0; i < opts.turns; i++ {
		text := opts.texts[i%len(opts.texts)]
		if clip != nil {
			err = speak(s, clip, cfg.SampleRate, opts.chunkMS, opts.realtime)
		} else {
			err = s.CreateResponse(protocol.ResponseCreate{Instructions: text})
		}
		if err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}

		res, err := measureTurn(ctx, stream, codec.SilenceBytes(), time.Now(), opts.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		results = append(results, res)
		if opts.verbose {
			fmt.Printf("perfvoice: turn %d/%d first_audio=%s total=%s bytes=%d\n", i+1, opts.turns, res.firstAudio, res.total, res.bytes)
		}
		if i < opts.turns-1 {
			time.Sleep(opts.interTurnDelay)
		}
	}

	first := make([]time.Duration, len(results))
	total := make([]time.Duration, len(results))
	for i, r := range results {
		first[i], total[i] = r.firstAudio, r.total
	}
	fmt.Printf("first_audio p50=%s p95=%s max=%s\n", percentile(first, 50), percentile(first, 95), percentile(first, 100))
	fmt.Printf("turn_total  p50=%s p95=%s max=%s\n", percentile(total, 50), percentile(total, 95), percentile(total, 100))
	return nil
}

func loadClip(path string, sampleRate int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pcm, sr, err := audio.ReadWAV(data)
	if err != nil {
		return nil, fmt.Errorf("clip %s: %w", path, err)
	}
	if sr != sampleRate {
		return nil, fmt.Errorf("clip %s is %d Hz, session expects %d Hz", path, sr, sampleRate)
	}
	// trailing silence lets server VAD close the turn
	return append(pcm, make([]byte, sampleRate*2*3/2)...), nil
}

// speak appends pcm to the input buffer in paced chunks.
func speak(s *session.Session, pcm []byte, sampleRate, chunkMS int, realtime float64) error {
	for _, chunk := range chunkPCM(pcm, sampleRate, chunkMS) {
		if err := s.AppendAudio(chunk); err != nil {
			return err
		}
		d := time.Duration(float64(time.Duration(len(chunk))*time.Second/time.Duration(sampleRate*2)) / realtime)
		time.Sleep(max(d, 10*time.Millisecond))
	}
	return nil
}

// chunkPCM splits 16-bit PCM into sample-aligned chunks of chunkMS.
func chunkPCM(pcm []byte, sampleRate, chunkMS int) [][]byte {
	size := sampleRate * 2 * chunkMS / 1000
	size -= size % 2
	if size < 2 {
		size = 2
	}
	pcm = pcm[:len(pcm)-len(pcm)%2]

	var out [][]byte
	for off := 0; off < len(pcm); off += size {
		out = append(out, pcm[off:min(off+size, len(pcm))])
	}
	return out
}

// measureTurn reads the session audio until the silence block that follows
// response.audio.done.
func measureTurn(ctx context.Context, stream <-chan []byte, silenceBytes int, start time.Time, timeout time.Duration) (turnResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res turnResult
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return res, session.ErrUnusable
			}
			if isSilenceBlock(chunk, silenceBytes) {
				res.total = time.Since(start)
				return res, nil
			}
			if res.bytes == 0 {
				res.firstAudio = time.Since(start)
			}
			res.bytes += len(chunk)
		case <-timer.C:
			return res, fmt.Errorf("%w after %s", errTurnTimeout, timeout)
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}

func isSilenceBlock(chunk []byte, silenceBytes int) bool {
	if len(chunk) != silenceBytes {
		return false
	}
	for _, b := range chunk {
		if b != 0 {
			return false
		}
	}
	return true
}

func percentile(values []time.Duration, p int) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	idx := (len(sorted)*p + 99) / 100
	idx = min(max(idx-1, 0), len(sorted)-1)
	return sorted[idx]
}
