// Command cgm-mirror mirrors the readings of one EasyView follower account to
// Nightscout, or to a Kafka topic.
//
// Secrets and settings are read from ~/.nightscout_easyview/secrets.env (override with
// -config); environment variables win over the file.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iidesho/bragi/sbragi"
	jsoniter "github.com/json-iterator/go"

	mirror "github.com/st-keller/cgm-mirror"
	"github.com/st-keller/cgm-mirror/easyview"
	"github.com/st-keller/cgm-mirror/gap"
	"github.com/st-keller/cgm-mirror/kafkasink"
	"github.com/st-keller/cgm-mirror/metrics"
	"github.com/st-keller/cgm-mirror/nightscout"
	"github.com/st-keller/cgm-mirror/reading"
	"github.com/st-keller/cgm-mirror/transport"
)

var (
	log  = sbragi.WithLocalScope(sbragi.LevelInfo)
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

const (
	pushJob      = "cgm_mirror"
	pushInterval = time.Minute
)

var logLevels = map[string]slog.Leveler{
	"trace": sbragi.LevelTrace,
	"debug": sbragi.LevelDebug,
	"info":  sbragi.LevelInfo,
	"error": sbragi.LevelError,
}

// sink is where readings go and where the resume point comes from.
type sink interface {
	Submit(ctx context.Context, r reading.Reading) error
	LastTimestamp(ctx context.Context) (*time.Time, error)
}

func main() {
	configPath := flag.String("config", mirror.DefaultConfigPath(), "dotenv file with credentials and settings")
	flag.Parse()

	cfg, err := mirror.LoadConfig(*configPath)
	if sbragi.WithError(err).Error("loading configuration", "path", *configPath) {
		os.Exit(1)
	}
	if err := setupLogging(cfg); err != nil {
		sbragi.WithError(err).Error("setting up logging", "dir", cfg.LogDir)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg)
	stop()
	os.Exit(code)
}

func setupLogging(cfg mirror.Config) error {
	if cfg.LogDir != "" {
		handler, err := sbragi.NewHandlerInFolder(cfg.LogDir)
		if err != nil {
			return err
		}
		handler.MakeDefault()
		logger, err := sbragi.NewLogger(&handler)
		if err != nil {
			return err
		}
		logger.SetDefault()
		return nil
	}
	level, ok := logLevels[strings.ToLower(cfg.LogLevel)]
	if !ok {
		level = sbragi.LevelInfo
	}
	logger, err := sbragi.NewLogger(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: sbragi.ReplaceAttr,
	}))
	if err != nil {
		return err
	}
	logger.SetDefault()
	return nil
}

func run(ctx context.Context, cfg mirror.Config) int {
	m := metrics.New()
	retry := transport.Retrier{Delay: cfg.RetryDelay, Metrics: m}

	vendorHTTP, err := transport.NewClient(transport.ClientConfig{Timeout: cfg.HTTPTimeout, Cookies: true})
	if log.WithError(err).Error("building EasyView client") {
		return 1
	}
	vendor := easyview.New(easyview.Config{
		BaseURL:  cfg.EasyViewURL,
		Username: cfg.EasyViewUsername,
		Password: cfg.EasyViewPassword,
	}, vendorHTTP, retry)
	defer vendor.Close()

	out, closeSink, err := newSink(cfg, retry)
	if log.WithError(err).Error("building sink", "sink", cfg.Sink) {
		return 1
	}
	defer closeSink()

	resume, err := out.LastTimestamp(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		log.WithError(err).Error("reading resume point", "sink", cfg.Sink)
		return 1
	}
	if err := vendor.Login(ctx); err != nil {
		if ctx.Err() != nil {
			return 0
		}
		log.WithError(err).Error("logging in to EasyView")
		return 1
	}

	engine := mirror.NewEngine(vendor,
		mirror.WithMetrics(m),
		mirror.WithResume(resume),
		mirror.WithResolver(&gap.Resolver{Metrics: m, ColdBackfill: cfg.ColdBackfill}),
	)

	if cfg.StatusAddr != "" {
		srv := &http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           newStatusHandler(engine, m),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("status server listening", "addr", cfg.StatusAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("status server stopped", "addr", cfg.StatusAddr)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			log.WithError(srv.Shutdown(shutdownCtx)).Warning("shutting down status server")
		}()
	}
	if cfg.MetricsPushURL != "" {
		go m.PushEvery(ctx, cfg.MetricsPushURL, pushJob, pushInterval)
	}

	err = engine.Run(ctx, mirror.SkipWarmingUp(out.Submit))
	switch {
	case errors.Is(err, context.Canceled):
		log.Info("shutting down")
		return 0
	case errors.Is(err, mirror.ErrConfiguration):
		log.WithError(err).Error("configuration fault, not retrying")
		return 1
	default:
		log.WithError(err).Error("mirror stopped")
		return 1
	}
}

func newSink(cfg mirror.Config, retry transport.Retrier) (sink, func(), error) {
	switch cfg.Sink {
	case mirror.SinkKafka:
		s := kafkasink.New(cfg.KafkaBrokers, cfg.KafkaTopic, retry)
		return s, func() {
			log.WithError(s.Close()).Warning("closing kafka writer")
		}, nil
	default:
		hc, err := transport.NewClient(transport.ClientConfig{Timeout: cfg.HTTPTimeout})
		if err != nil {
			return nil, nil, err
		}
		return nightscout.New(cfg.NightscoutURL, cfg.NightscoutSecret, hc, retry), hc.CloseIdleConnections, nil
	}
}
