package remote

import (
	"net/url"
	"time"

	"codeberg.org/mutker/sensusd/internal/errors"
)

const (
	defaultInterval  = 30 * time.Second
	defaultBatchSize = 500
	defaultTimeout   = 10 * time.Second
)

type Config struct {
	Endpoint  string
	Interval  time.Duration
	BatchSize int
	Timeout   time.Duration
	// Compression is the body encoding: zstd (default), lz4 or none.
	Compression Compression
}

func DefaultConfig() Config {
	return Config{
		Interval:    defaultInterval,
		BatchSize:   defaultBatchSize,
		Timeout:     defaultTimeout,
		Compression: CompressionZstd,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errFactory.WithData(ErrInvalidEndpoint, c.Endpoint)
	}
	if c.Interval <= 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Field string
			Value time.Duration
		}{Field: "interval", Value: c.Interval})
	}
	if c.BatchSize < 1 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Field string
			Value int
		}{Field: "batch_size", Value: c.BatchSize})
	}
	if _, err := ParseCompression(string(c.Compression)); err != nil {
		return err
	}

	return nil
}
