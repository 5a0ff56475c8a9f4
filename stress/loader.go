package stress

import (
	"errors"
	"strings"
	"sync"

	"github.com/knadh/koanf/maps"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/benz9527/xmap/lib/infra"
)

// DefaultEnvPrefix maps XMAP_WORKERS to workers and
// XMAP_EPOCH__DRAIN_TIMEOUT to epoch.drain_timeout.
const DefaultEnvPrefix = "XMAP_"

var errMapProviderReadBytes = errors.New("[x-stress] map provider does not support ReadBytes")

// overridesProvider feeds the flag values into koanf. The dotted keys
// are unflattened.
type overridesProvider map[string]any

func (p overridesProvider) ReadBytes() ([]byte, error) {
	return nil, errMapProviderReadBytes
}

func (p overridesProvider) Read() (map[string]any, error) {
	return maps.Unflatten(p, "."), nil
}

// Loader merges, by increasing priority, the defaults, the yaml file,
// the environment and the overrides.
type Loader struct {
	lock      sync.Mutex
	envPrefix string
	filePath  string
	overrides map[string]any
}

type LoaderOption func(l *Loader)

func WithLoaderEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

func WithLoaderConfigFile(path string) LoaderOption {
	return func(l *Loader) {
		l.filePath = path
	}
}

// WithLoaderOverrides takes dotted keys, e.g. "skl.max_level".
func WithLoaderOverrides(overrides map[string]any) LoaderOption {
	return func(l *Loader) {
		l.overrides = overrides
	}
}

func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		envPrefix: DefaultEnvPrefix,
	}
	for _, o := range opts {
		if o != nil {
			o(l)
		}
	}
	return l
}

func (l *Loader) FilePath() string {
	return l.filePath
}

// Load reads all the sources again, so it also serves the reloads.
func (l *Loader) Load() (*Config, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	k := koanf.New(".")
	if l.filePath != "" {
		if err := k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return nil, infra.WrapErrorStackWithMessage(err, "load config file "+l.filePath)
		}
	}
	prefix := l.envPrefix
	if err := k.Load(env.Provider(prefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, prefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, infra.WrapErrorStackWithMessage(err, "load config env")
	}
	if len(l.overrides) > 0 {
		if err := k.Load(overridesProvider(l.overrides), nil); err != nil {
			return nil, infra.WrapErrorStackWithMessage(err, "load config overrides")
		}
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, infra.WrapErrorStackWithMessage(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, infra.WrapErrorStack(err)
	}
	return cfg, nil
}
