package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/basekick-labs/csiconv/internal/metrics"
	"github.com/rs/zerolog"
)

// RetryBackend retries failed writes with exponential backoff.
type RetryBackend struct {
	backend Backend
	logger  zerolog.Logger

	maxRetries    int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

// RetryConfig holds the retry settings.
type RetryConfig struct {
	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		RetryMaxDelay: 5 * time.Second,
	}
}

// NewRetryBackend wraps backend.
func NewRetryBackend(backend Backend, cfg *RetryConfig, logger zerolog.Logger) *RetryBackend {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryBackend{
		backend:       backend,
		logger:        logger.With().Str("component", "retry-storage").Logger(),
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		retryMaxDelay: cfg.RetryMaxDelay,
	}
}

func (r *RetryBackend) do(ctx context.Context, op, path string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		metrics.Get().IncStorageErrors()

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == r.maxRetries {
			break
		}

		// Calculate retry delay with exponential backoff
		delay := r.retryDelay * time.Duration(1<<uint(attempt))
		if delay > r.retryMaxDelay {
			delay = r.retryMaxDelay
		}

		r.logger.Warn().
			Err(err).
			Str("path", path).
			Int("attempt", attempt+1).
			Int("max_retries", r.maxRetries).
			Dur("retry_delay", delay).
			Msgf("Storage %s failed, retrying", op)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("storage %s failed after %d retries: %w", op, r.maxRetries, lastErr)
}

// Write writes data to the storage backend with retries
func (r *RetryBackend) Write(ctx context.Context, path string, data []byte) error {
	return r.do(ctx, "write", path, func() error {
		return r.backend.Write(ctx, path, data)
	})
}

// WriteReader retries only when reader can be rewound.
func (r *RetryBackend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	seeker, ok := reader.(io.Seeker)
	if !ok {
		return r.backend.WriteReader(ctx, path, reader, size)
	}
	return r.do(ctx, "write", path, func() error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return r.backend.WriteReader(ctx, path, reader, size)
	})
}

// Read reads with retries.
func (r *RetryBackend) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "read", path, func() error {
		var err error
		data, err = r.backend.Read(ctx, path)
		return err
	})
	return data, err
}

// Exists checks existence with retries.
func (r *RetryBackend) Exists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := r.do(ctx, "exists", path, func() error {
		var err error
		exists, err = r.backend.Exists(ctx, path)
		return err
	})
	return exists, err
}

// Close closes the wrapped backend.
func (r *RetryBackend) Close() error {
	return r.backend.Close()
}

// Type returns the wrapped backend type.
func (r *RetryBackend) Type() string {
	return r.backend.Type()
}

// Location returns the wrapped backend location.
func (r *RetryBackend) Location(path string) string {
	return r.backend.Location(path)
}
