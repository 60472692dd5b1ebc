package mirror

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Sinks a Config can select.
const (
	SinkNightscout = "nightscout"
	SinkKafka      = "kafka"
)

const (
	DefaultEasyViewURL = "https://easyview.medtrum.eu/mobile/ajax"
	DefaultStatusAddr  = ":9464"
	DefaultKafkaTopic  = "cgm-entries"
)

// Config holds everything needed to run one mirror. Secrets come from a dotenv file,
// process environment wins over the file.
type Config struct {
	EasyViewUsername string
	EasyViewPassword string
	EasyViewURL      string

	Sink             string // "nightscout" or "kafka"
	NightscoutURL    string
	NightscoutSecret string
	KafkaBrokers     []string
	KafkaTopic       string

	RetryDelay   time.Duration
	HTTPTimeout  time.Duration
	ColdBackfill bool

	StatusAddr     string // empty disables the status server
	MetricsPushURL string
	LogDir         string
	LogLevel       string
}

// DefaultConfigPath is where the secrets file lives unless told otherwise.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".nightscout_easyview", "secrets.env")
	}
	return filepath.Join(home, ".nightscout_easyview", "secrets.env")
}

// LoadConfig reads path (a missing file is fine), overlays the environment and
// validates the result.
func LoadConfig(path string) (Config, error) {
	values := map[string]string{}
	if path != "" {
		file, err := godotenv.Read(path)
		switch {
		case err == nil:
			values = file
		case errors.Is(err, fs.ErrNotExist):
			log.Debug("no secrets file, using environment only", "path", path)
		default:
			return Config{}, fmt.Errorf("%w: reading %s: %v", ErrConfiguration, path, err)
		}
	}
	get := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(values[key])
	}

	cfg := Config{
		EasyViewUsername: get("EASYVIEW_USERNAME"),
		EasyViewPassword: get("EASYVIEW_PASSWORD"),
		EasyViewURL:      get("EASYVIEW_URL"),
		Sink:             strings.ToLower(get("SINK")),
		NightscoutURL:    get("NIGHTSCOUT_URL"),
		NightscoutSecret: get("NIGHTSCOUT_SECRET"),
		KafkaTopic:       get("KAFKA_TOPIC"),
		StatusAddr:       get("STATUS_ADDR"),
		MetricsPushURL:   get("METRICS_PUSH_URL"),
		LogDir:           get("LOG_DIR"),
		LogLevel:         get("LOG_LEVEL"),
	}
	if cfg.EasyViewURL == "" {
		cfg.EasyViewURL = DefaultEasyViewURL
	}
	if cfg.Sink == "" {
		cfg.Sink = SinkNightscout
	}
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = DefaultKafkaTopic
	}
	if _, ok := os.LookupEnv("STATUS_ADDR"); !ok {
		if _, ok := values["STATUS_ADDR"]; !ok {
			cfg.StatusAddr = DefaultStatusAddr
		}
	}
	for _, b := range strings.Split(get("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}

	var err error
	if cfg.RetryDelay, err = duration(get("RETRY_DELAY"), 10*time.Second); err != nil {
		return Config{}, fmt.Errorf("%w: RETRY_DELAY: %v", ErrConfiguration, err)
	}
	if cfg.HTTPTimeout, err = duration(get("HTTP_TIMEOUT"), 10*time.Second); err != nil {
		return Config{}, fmt.Errorf("%w: HTTP_TIMEOUT: %v", ErrConfiguration, err)
	}
	if v := get("COLD_BACKFILL"); v != "" {
		if cfg.ColdBackfill, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("%w: COLD_BACKFILL: %v", ErrConfiguration, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return cfg, nil
}

// Validate checks that the selected sink and the vendor account are fully configured.
func (c Config) Validate() error {
	if c.EasyViewUsername == "" {
		return fmt.Errorf("EASYVIEW_USERNAME required")
	}
	if c.EasyViewPassword == "" {
		return fmt.Errorf("EASYVIEW_PASSWORD required")
	}
	if c.EasyViewURL == "" {
		return fmt.Errorf("EASYVIEW_URL required")
	}
	switch c.Sink {
	case SinkNightscout:
		if c.NightscoutURL == "" {
			return fmt.Errorf("NIGHTSCOUT_URL required")
		}
		if c.NightscoutSecret == "" {
			return fmt.Errorf("NIGHTSCOUT_SECRET required")
		}
	case SinkKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS required for the kafka sink")
		}
		if c.KafkaTopic == "" {
			return fmt.Errorf("KAFKA_TOPIC required for the kafka sink")
		}
	default:
		return fmt.Errorf("SINK must be %q or %q, got %q", SinkNightscout, SinkKafka, c.Sink)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("RETRY_DELAY must not be negative")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be > 0")
	}
	return nil
}

func duration(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(secs) * time.Second, nil
}
