package stress

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/benz9527/xmap/lib/kv"
	"github.com/benz9527/xmap/lib/list"
)

var (
	ErrStressInvalidConfig = errors.New("[x-stress] invalid config")
	ErrStressVerifyFailed  = errors.New("[x-stress] verification failed")
)

const (
	MapList = "list"
	MapSkl  = "skl"

	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
)

// MixConfig weights the operations drawn by the workers.
type MixConfig struct {
	Insert int `koanf:"insert"`
	Get    int `koanf:"get"`
	Remove int `koanf:"remove"`
}

func (mix MixConfig) total() int {
	return mix.Insert + mix.Get + mix.Remove
}

type ListConfig struct {
	UnlinkHelping bool `koanf:"unlink_helping"`
}

type SklConfig struct {
	MaxLevel  int32  `koanf:"max_level"`
	Ratio     int32  `koanf:"ratio"`
	RandLevel string `koanf:"rand_level"`
}

type EpochConfig struct {
	// ReclaimPoolSize 0 runs the expired bags inline.
	ReclaimPoolSize int           `koanf:"reclaim_pool_size"`
	DrainTimeout    time.Duration `koanf:"drain_timeout"`
	// SlowReaderHold > 0 starts a reader which keeps its own handle
	// pinned for the hold on every pass.
	SlowReaderHold time.Duration `koanf:"slow_reader_hold"`
}

// RetryConfig is the policy of the kv facade used by the round trips.
type RetryConfig struct {
	Strategy   string        `koanf:"strategy"`
	Attempts   int64         `koanf:"attempts"`
	Backoff    time.Duration `koanf:"backoff"`
	MaxBackoff time.Duration `koanf:"max_backoff"`
}

func (retry RetryConfig) policy() kv.RetryPolicy {
	return kv.RetryPolicy{
		Strategy:   retry.Strategy,
		Attempts:   retry.Attempts,
		Backoff:    retry.Backoff,
		MaxBackoff: retry.MaxBackoff,
	}
}

type LogConfig struct {
	Level   string `koanf:"level"`
	Encoder string `koanf:"encoder"`
}

type MetricsConfig struct {
	Exporter string        `koanf:"exporter"`
	Addr     string        `koanf:"addr"`
	Interval time.Duration `koanf:"interval"`
}

type Config struct {
	Map      string        `koanf:"map"`
	Workers  int           `koanf:"workers"`
	Keys     int           `koanf:"keys"`
	Ops      int           `koanf:"ops"`
	Duration time.Duration `koanf:"duration"`
	Seed     uint64        `koanf:"seed"`
	Mix      MixConfig     `koanf:"mix"`
	List     ListConfig    `koanf:"list"`
	Skl      SklConfig     `koanf:"skl"`
	Epoch    EpochConfig   `koanf:"epoch"`
	Retry    RetryConfig   `koanf:"retry"`
	Log      LogConfig     `koanf:"log"`
	Metrics  MetricsConfig `koanf:"metrics"`
}

func DefaultConfig() *Config {
	return &Config{
		Map:     MapSkl,
		Workers: 8,
		Keys:    1024,
		Ops:     100_000,
		Mix: MixConfig{
			Insert: 40,
			Get:    40,
			Remove: 20,
		},
		List: ListConfig{
			UnlinkHelping: true,
		},
		Skl: SklConfig{
			MaxLevel:  16,
			Ratio:     4,
			RandLevel: list.SklRandCoin,
		},
		Epoch: EpochConfig{
			DrainTimeout: 5 * time.Second,
		},
		Retry: RetryConfig{
			Strategy:   kv.RetryExponential,
			Attempts:   5,
			Backoff:    50 * time.Microsecond,
			MaxBackoff: 5 * time.Millisecond,
		},
		Log: LogConfig{
			Level:   "INFO",
			Encoder: "json",
		},
		Metrics: MetricsConfig{
			Exporter: ExporterNone,
			Addr:     ":9464",
			Interval: 10 * time.Second,
		},
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStressInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate reports every violation at once.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return invalid("nil config")
	}
	var err error
	switch cfg.Map {
	case MapList, MapSkl:
	default:
		err = multierr.Append(err, invalid("unknown map %q", cfg.Map))
	}
	if cfg.Workers <= 0 {
		err = multierr.Append(err, invalid("workers %d <= 0", cfg.Workers))
	}
	if cfg.Keys <= 0 {
		err = multierr.Append(err, invalid("keys %d <= 0", cfg.Keys))
	}
	if cfg.Ops < 0 || cfg.Duration < 0 || (cfg.Ops == 0 && cfg.Duration == 0) {
		err = multierr.Append(err, invalid("one of ops (%d) or duration (%s) must be positive", cfg.Ops, cfg.Duration))
	}
	if cfg.Mix.Insert < 0 || cfg.Mix.Get < 0 || cfg.Mix.Remove < 0 || cfg.Mix.total() <= 0 {
		err = multierr.Append(err, invalid("operation mix %+v", cfg.Mix))
	}
	if cfg.Map == MapSkl {
		if cfg.Skl.MaxLevel <= 0 || cfg.Skl.MaxLevel > 32 {
			err = multierr.Append(err, invalid("skl max level %d out of [1, 32]", cfg.Skl.MaxLevel))
		}
		if cfg.Skl.Ratio < 2 {
			err = multierr.Append(err, invalid("skl ratio %d less than 2", cfg.Skl.Ratio))
		}
		if _, ok := list.SklRandByName(cfg.Skl.RandLevel); !ok {
			err = multierr.Append(err, invalid("unknown skl level generator %q", cfg.Skl.RandLevel))
		}
	}
	if cfg.Epoch.ReclaimPoolSize < 0 {
		err = multierr.Append(err, invalid("reclaim pool size %d < 0", cfg.Epoch.ReclaimPoolSize))
	}
	if cfg.Epoch.DrainTimeout <= 0 {
		err = multierr.Append(err, invalid("drain timeout %s <= 0", cfg.Epoch.DrainTimeout))
	}
	if cfg.Epoch.SlowReaderHold < 0 {
		err = multierr.Append(err, invalid("slow reader hold %s < 0", cfg.Epoch.SlowReaderHold))
	}
	if _, retryErr := kv.NewRetryFactory(cfg.Retry.policy()); retryErr != nil {
		err = multierr.Append(err, invalid("retry: %v", retryErr))
	}
	switch strings.ToUpper(strings.TrimSpace(cfg.Log.Level)) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		err = multierr.Append(err, invalid("unknown log level %q", cfg.Log.Level))
	}
	switch strings.ToLower(cfg.Log.Encoder) {
	case "json", "plaintext":
	default:
		err = multierr.Append(err, invalid("unknown log encoder %q", cfg.Log.Encoder))
	}
	switch cfg.Metrics.Exporter {
	case ExporterNone:
	case ExporterStdout:
		if cfg.Metrics.Interval <= 0 {
			err = multierr.Append(err, invalid("metrics interval %s <= 0", cfg.Metrics.Interval))
		}
	case ExporterPrometheus:
		if strings.TrimSpace(cfg.Metrics.Addr) == "" {
			err = multierr.Append(err, invalid("empty metrics addr"))
		}
	default:
		err = multierr.Append(err, invalid("unknown metrics exporter %q", cfg.Metrics.Exporter))
	}
	return err
}
