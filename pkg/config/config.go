// Package config loads node configuration from a JSON file. Durations are
// written as Go duration strings, e.g. "500ms" or "2m".
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

var ErrInvalid = errors.New("invalid config")

// Duration is a time.Duration that reads and writes JSON as a duration
// string. Plain numbers are taken as nanoseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		d.Duration = time.Duration(v)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "duration %q", v)
		}
		d.Duration = parsed
	default:
		return errors.Errorf("duration: unexpected %s", b)
	}
	return nil
}

type Config struct {
	Listen    string `json:"listen"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	RetransmitInterval Duration `json:"retransmit_interval"`
	// MaxRetransmitTime of 0 retransmits forever.
	MaxRetransmitTime Duration `json:"max_retransmit_time"`
	// ConnIdleTimeout of 0 never reclaims idle connections.
	ConnIdleTimeout Duration `json:"conn_idle_timeout"`
	ReapInterval    Duration `json:"reap_interval"`
	Backoff         bool     `json:"backoff"`
	MaxBackoff      Duration `json:"max_backoff"`

	// Workers is the number of goroutines handing inbound datagrams to the
	// protocol.
	Workers int      `json:"workers"`
	Peers   []string `json:"peers"`
}

func Default() *Config {
	return &Config{
		Listen:             "127.0.0.1:7000",
		LogLevel:           "info",
		LogFormat:          "text",
		RetransmitInterval: Duration{500 * time.Millisecond},
		MaxRetransmitTime:  Duration{60 * time.Second},
		ConnIdleTimeout:    Duration{2 * time.Minute},
		MaxBackoff:         Duration{8 * time.Second},
		Workers:            4,
	}
}

// Load reads the JSON file at path over the defaults and validates the
// result. Keys missing from the file keep their default values.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg := Default()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Listen == "":
		return errors.Wrap(ErrInvalid, "listen address is empty")
	case c.RetransmitInterval.Duration <= 0:
		return errors.Wrap(ErrInvalid, "retransmit_interval must be positive")
	case c.MaxRetransmitTime.Duration < 0:
		return errors.Wrap(ErrInvalid, "max_retransmit_time is negative")
	case c.MaxRetransmitTime.Duration > 0 && c.MaxRetransmitTime.Duration < c.RetransmitInterval.Duration:
		return errors.Wrapf(ErrInvalid, "max_retransmit_time %v is below retransmit_interval %v",
			c.MaxRetransmitTime, c.RetransmitInterval)
	case c.ConnIdleTimeout.Duration < 0:
		return errors.Wrap(ErrInvalid, "conn_idle_timeout is negative")
	case c.ReapInterval.Duration < 0:
		return errors.Wrap(ErrInvalid, "reap_interval is negative")
	case c.Backoff && c.MaxBackoff.Duration < c.RetransmitInterval.Duration:
		return errors.Wrapf(ErrInvalid, "max_backoff %v is below retransmit_interval %v",
			c.MaxBackoff, c.RetransmitInterval)
	case c.Workers < 1:
		return errors.Wrapf(ErrInvalid, "workers must be at least 1, got %d", c.Workers)
	}
	for _, p := range c.Peers {
		if p == "" {
			return errors.Wrap(ErrInvalid, "empty peer address")
		}
	}
	return nil
}
