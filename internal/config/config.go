package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	EngineLog  = "log"
	EngineBolt = "bolt"
)

// Config is everything the server reads from its environment.
type Config struct {
	HTTPAddr        string
	DataDir         string
	Engine          string
	FlushInterval   time.Duration
	EnqueueTimeout  time.Duration
	BufferBytes     int
	MaxEnqueued     int
	CompactInterval time.Duration
}

func Default() Config {
	return Config{
		HTTPAddr:       "127.0.0.1:8080",
		DataDir:        "./data",
		Engine:         EngineLog,
		EnqueueTimeout: 5 * time.Second,
		BufferBytes:    4 * 1024 * 1024,
		MaxEnqueued:    1024,
	}
}

// FromEnv starts from Default and applies every KV_* variable that is set.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if v, ok := lookup("KV_HTTP_ADDR"); ok && v != "" {
		cfg.HTTPAddr = v
	}
	if v, ok := lookup("KV_DATA_DIR"); ok && v != "" {
		cfg.DataDir = v
	}
	if v, ok := lookup("KV_ENGINE"); ok && v != "" {
		cfg.Engine = v
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"KV_FLUSH_INTERVAL", &cfg.FlushInterval},
		{"KV_ENQUEUE_TIMEOUT", &cfg.EnqueueTimeout},
		{"KV_COMPACT_INTERVAL", &cfg.CompactInterval},
	}
	for _, d := range durations {
		v, ok := lookup(d.name)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, errors.Wrap(err, d.name)
		}
		*d.dst = parsed
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"KV_BUFFER_BYTES", &cfg.BufferBytes},
		{"KV_MAX_ENQUEUED", &cfg.MaxEnqueued},
	}
	for _, i := range ints {
		v, ok := lookup(i.name)
		if !ok || v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.Wrap(err, i.name)
		}
		*i.dst = parsed
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Engine {
	case EngineLog, EngineBolt:
	default:
		return errors.Errorf("KV_ENGINE: unknown engine %q (want %q or %q)", c.Engine, EngineLog, EngineBolt)
	}
	if c.FlushInterval < 0 || c.EnqueueTimeout < 0 || c.CompactInterval < 0 {
		return errors.New("durations must not be negative")
	}
	if c.BufferBytes < 0 || c.MaxEnqueued < 0 {
		return errors.New("sizes must not be negative")
	}
	if c.CompactInterval > 0 && c.Engine != EngineLog {
		return errors.Errorf("KV_COMPACT_INTERVAL only applies to the %q engine", EngineLog)
	}
	return nil
}
