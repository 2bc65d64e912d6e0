// Command realtalk connects two realtime voice agents and lets them talk to
// each other, playing both sides locally.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ent0n29/realtalk/internal/agent"
	"github.com/ent0n29/realtalk/internal/audio"
	"github.com/ent0n29/realtalk/internal/config"
	"github.com/ent0n29/realtalk/internal/ephemeral"
	"github.com/ent0n29/realtalk/internal/httpapi"
	"github.com/ent0n29/realtalk/internal/observability"
	"github.com/ent0n29/realtalk/internal/pipe"
	"github.com/ent0n29/realtalk/internal/protocol"
	"github.com/ent0n29/realtalk/internal/session"
	"github.com/ent0n29/realtalk/internal/transport"
)

const (
	defaultPrompt1 = "You are Jen, your hobbies are programming and pizza. You try to find out something interesting about your conversation partner"
	defaultPrompt2 = "You are Tobi, your hobbies are rock festivals and beer. You try to find out something interesting about your conversation partner"
	defaultStarter = "You are a conversation partner."
)

type options struct {
	lang     string
	speed    float64
	prompt1  string
	prompt2  string
	starter  string
	voice1   string
	voice2   string
	playback string
	soxPath  string
	record   string
	opsAddr  string
	token    bool
}

func main() {
	opts := parseFlags()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if opts.opsAddr == "" {
		opts.opsAddr = cfg.BindAddr
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.token {
		err = mintToken(ctx, cfg, opts)
	} else {
		err = converse(ctx, cfg, opts, logger)
	}
	if err != nil {
		logger.Fatal("realtalk failed", zap.Error(err))
	}
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.lang, "lang", "en-US", "language both agents speak")
	flag.Float64Var(&o.speed, "speed", 1.2, "speech speed for both agents (0 keeps the server default)")
	flag.StringVar(&o.prompt1, "prompt1", defaultPrompt1, "instructions for the first agent")
	flag.StringVar(&o.prompt2, "prompt2", defaultPrompt2, "instructions for the second agent")
	flag.StringVar(&o.starter, "starter", defaultStarter, "instructions for the opening response of the first agent")
	flag.StringVar(&o.voice1, "voice1", string(protocol.VoiceVerse), "voice of the first agent")
	flag.StringVar(&o.voice2, "voice2", string(protocol.VoiceSage), "voice of the second agent")
	flag.StringVar(&o.playback, "playback", "sox", "playback backend: sox|none")
	flag.StringVar(&o.soxPath, "sox", "sox", "path to the sox binary")
	flag.StringVar(&o.record, "record", "", "optional WAV file recording both agents")
	flag.StringVar(&o.opsAddr, "ops-addr", "", "ops HTTP listen address (defaults to APP_BIND_ADDR; \"off\" disables)")
	flag.BoolVar(&o.token, "token", false, "mint an ephemeral client secret, print it as JSON and exit")
	flag.Parse()
	return o
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func mintToken(ctx context.Context, cfg config.Config, opts options) error {
	voice, err := protocol.ParseVoice(opts.voice1)
	if err != nil {
		return err
	}
	client := ephemeral.NewClient(cfg.APIBaseURL, cfg.Credential(os.LookupEnv), nil)
	secret, err := client.CreateEphemeralToken(ctx, ephemeral.Request{Model: cfg.RealtimeModel, Voice: voice})
	if err != nil {
		return err
	}
	out, err := sonic.ConfigStd.MarshalIndent(secret, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}

func converse(ctx context.Context, cfg config.Config, opts options, logger *zap.Logger) error {
	voice1, err := protocol.ParseVoice(opts.voice1)
	if err != nil {
		return fmt.Errorf("voice1: %w", err)
	}
	voice2, err := protocol.ParseVoice(opts.voice2)
	if err != nil {
		return fmt.Errorf("voice2: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.MetricsNamespace, registry)

	mirror, closeMirror := newMirror(ctx, cfg, logger)
	defer closeMirror()
	sessions := session.NewManager(mirror, logger.Named("registry"))
	sessions.SetRemoveHook(func(info session.Info) {
		logger.Info("session removed", zap.String("session", info.ID), zap.String("state", string(info.State)))
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sessions.StartJanitor(runCtx, cfg.RegistryTTL/2)

	stopOps := serveOps(opts.opsAddr, httpapi.New(sessions, registry, logger.Named("http")), logger)
	defer stopOps(cfg.ShutdownTimeout)

	out, err := newOutputs(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := out.Close(); err != nil {
			logger.Warn("close audio outputs", zap.Error(err))
		}
	}()

	codec := protocol.NewCodec(cfg.SampleRate, cfg.SilenceDuration)
	sessionOpts := func(name string) session.Options {
		return session.Options{
			Codec:       codec,
			AudioBuffer: cfg.AudioQueue,
			Mux: transport.MuxOptions{
				QueueSize:    cfg.OutboundQueue,
				WriteTimeout: cfg.WriteTimeout,
			},
			Logger:  logger.Named(name),
			Metrics: metrics,
		}
	}
	agentConfig := func(prompt string, voice protocol.Voice) agent.Config {
		return agent.Config{
			URL:          cfg.RealtimeURL,
			Model:        cfg.RealtimeModel,
			Voice:        voice,
			Speed:        opts.speed,
			Instructions: withLanguage(prompt, opts.lang),
			Credential:   cfg.Credential(os.LookupEnv),
		}
	}

	jen, jenAudio, err := agent.Connect(runCtx, agentConfig(opts.prompt1, voice1), sessionOpts("jen"))
	if err != nil {
		return fmt.Errorf("connect first agent: %w", err)
	}
	tobi, tobiAudio, err := agent.Connect(runCtx, agentConfig(opts.prompt2, voice2), sessionOpts("tobi"))
	if err != nil {
		_ = jen.Close()
		return fmt.Errorf("connect second agent: %w", err)
	}
	for _, s := range []*session.Session{jen, tobi} {
		if err := sessions.Watch(runCtx, s); err != nil {
			return err
		}
	}
	defer sessions.CloseAll(context.WithoutCancel(ctx))

	if err := jen.CreateResponse(protocol.ResponseCreate{Instructions: withLanguage(opts.starter, opts.lang)}); err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}
	logger.Info("conversation started", zap.String("first", jen.ID()), zap.String("second", tobi.ID()))

	go func() {
		select {
		case <-jen.Done():
			logger.Warn("first agent session ended", zap.Error(jen.Err()))
		case <-tobi.Done():
			logger.Warn("second agent session ended", zap.Error(tobi.Err()))
		case <-runCtx.Done():
		}
		cancel()
	}()

	err = pipe.Cross(runCtx,
		pipe.Endpoint{Name: "jen", Audio: jenAudio, Input: tobi, Sink: out.agents[0]},
		pipe.Endpoint{Name: "tobi", Audio: tobiAudio, Input: jen, Sink: out.agents[1]},
		logger.Named("pipe"),
	)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("conversation ended")
	return err
}

func withLanguage(prompt, lang string) string {
	prompt = strings.TrimRight(strings.TrimSpace(prompt), ".")
	return fmt.Sprintf("%s. Your language is %s", prompt, lang)
}

// outputs holds one playback path per agent. Each agent gets its own sox
// stream so the OS mixes them; a recording goes through a Mixer track.
type outputs struct {
	agents [2]audio.Sink
	mixer  *audio.Mixer
}

func (o outputs) Close() error {
	var errs []error
	for _, s := range o.agents {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	if o.mixer != nil {
		errs = append(errs, o.mixer.Close())
	}
	return errors.Join(errs...)
}

func newOutputs(ctx context.Context, cfg config.Config, opts options) (outputs, error) {
	var per [2][]audio.Sink
	var out outputs
	fail := func(err error) (outputs, error) {
		for i := range per {
			out.agents[i] = audio.Multi(per[i]...)
		}
		_ = out.Close()
		return outputs{}, err
	}

	switch opts.playback {
	case "sox":
		for i := range per {
			sox, err := audio.NewSoxSink(ctx, opts.soxPath, cfg.SampleRate)
			if err != nil {
				return fail(fmt.Errorf("playback (is sox installed?): %w", err))
			}
			per[i] = append(per[i], sox)
		}
	case "none", "":
	default:
		return outputs{}, fmt.Errorf("invalid -playback %q (expected sox|none)", opts.playback)
	}
	if opts.record != "" {
		wav, err := audio.CreateWAV(opts.record, cfg.SampleRate)
		if err != nil {
			return fail(fmt.Errorf("record: %w", err))
		}
		out.mixer = audio.NewMixer(wav, cfg.SampleRate)
		for i := range per {
			per[i] = append(per[i], out.mixer.Track())
		}
	}

	for i, sinks := range per {
		switch len(sinks) {
		case 0:
			out.agents[i] = audio.Discard
		case 1:
			out.agents[i] = sinks[0]
		default:
			out.agents[i] = audio.Multi(sinks...)
		}
	}
	return out, nil
}

func newMirror(ctx context.Context, cfg config.Config, logger *zap.Logger) (session.Mirror, func()) {
	if cfg.RedisURL == "" {
		return nil, func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, session registry stays local", zap.String("addr", cfg.RedisURL), zap.Error(err))
		_ = client.Close()
		return nil, func() {}
	}
	mirror := session.NewRedisMirror(client, cfg.RegistryTTL)
	logger.Info("mirroring sessions to redis", zap.String("addr", cfg.RedisURL))
	return mirror, func() { _ = mirror.Close() }
}

func serveOps(addr string, api *httpapi.Server, logger *zap.Logger) func(time.Duration) {
	if addr == "off" {
		return func(time.Duration) {}
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ops server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()
	return func(timeout time.Duration) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
			_ = srv.Close()
		}
	}
}
