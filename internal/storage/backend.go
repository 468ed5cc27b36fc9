package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// Backend is a destination for finished output files.
type Backend interface {
	// Write writes data to the specified path
	Write(ctx context.Context, path string, data []byte) error

	// WriteReader writes data from a reader to the specified path (for large files).
	// size may be -1 when unknown.
	WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error

	// Read reads data from the specified path
	Read(ctx context.Context, path string) ([]byte, error)

	// Exists checks if an object exists at the specified path
	Exists(ctx context.Context, path string) (bool, error)

	// Close closes any resources held by the backend
	Close() error

	// Type returns the storage type identifier ("local", "s3", "azure")
	Type() string

	// Location returns a human readable URI of an object, for log messages.
	Location(path string) string
}

// Config selects and configures a backend.
type Config struct {
	Backend   string // local, s3, azure
	LocalPath string
	S3        S3Config
	Azure     AzureBlobConfig
	Retry     *RetryConfig // nil disables retries
}

// New creates the configured backend, wrapped with retries for the remote ones.
func New(cfg Config, logger zerolog.Logger) (Backend, error) {
	var backend Backend
	var err error

	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		return NewLocalBackend(cfg.LocalPath, logger)
	case "s3", "minio":
		backend, err = NewS3Backend(&cfg.S3, logger)
	case "azure", "azblob":
		backend, err = NewAzureBlobBackend(&cfg.Azure, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Retry != nil {
		backend = NewRetryBackend(backend, cfg.Retry, logger)
	}
	return backend, nil
}
