package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp moves the test into an empty directory so no csiconv.toml is found.
func chdirTemp(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	oldWd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(tmpDir))
	t.Cleanup(func() { os.Chdir(oldWd) })
	return tmpDir
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Decode.BlockSize != 4096 {
		t.Errorf("Decode.BlockSize = %d, want 4096", cfg.Decode.BlockSize)
	}
	if cfg.Decode.BufferSamples != 1000 {
		t.Errorf("Decode.BufferSamples = %d, want 1000", cfg.Decode.BufferSamples)
	}
	if cfg.Decode.Sloppy {
		t.Error("Decode.Sloppy should default to false")
	}
	assert.Equal(t, "auto", cfg.Decode.InputType)
	assert.Equal(t, 1, cfg.Decode.TOBArrayID)
	assert.Equal(t, "parquet", cfg.Output.Format)
	assert.Equal(t, "snappy", cfg.Output.Compression)
	assert.Equal(t, "2.0", cfg.Output.DataPageVersion)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Metrics.TextfilePath)
}

func TestLoad_EnvOverride(t *testing.T) {
	chdirTemp(t)

	t.Setenv("CSICONV_DECODE_BLOCK_SIZE", "64KB")
	t.Setenv("CSICONV_DECODE_SLOPPY", "true")
	t.Setenv("CSICONV_DECODE_INPUT_TYPE", "TOB3")
	t.Setenv("CSICONV_OUTPUT_COMPRESSION", "zstd")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Decode.BlockSize != 64*1024 {
		t.Errorf("Decode.BlockSize = %d, want %d (from env)", cfg.Decode.BlockSize, 64*1024)
	}
	if !cfg.Decode.Sloppy {
		t.Error("Decode.Sloppy = false, want true (from env)")
	}
	assert.Equal(t, "tob3", cfg.Decode.InputType)
	assert.Equal(t, "zstd", cfg.Output.Compression)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := chdirTemp(t)

	content := `
[decode]
buffer_samples = 250
tob_array_id = 42

[output]
format = "msgpack"

[storage]
backend = "s3"
s3_bucket = "met-archive"
s3_path_style = true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "csiconv.toml"), []byte(content), 0644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Decode.BufferSamples)
	assert.Equal(t, 42, cfg.Decode.TOBArrayID)
	assert.Equal(t, "msgpack", cfg.Output.Format)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "met-archive", cfg.Storage.S3Bucket)
	assert.True(t, cfg.Storage.S3PathStyle)
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	dir := chdirTemp(t)

	_, err := Load(filepath.Join(dir, "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"input type", "CSICONV_DECODE_INPUT_TYPE", "csv"},
		{"output format", "CSICONV_OUTPUT_FORMAT", "netcdf"},
		{"compression", "CSICONV_OUTPUT_COMPRESSION", "brotli"},
		{"page version", "CSICONV_OUTPUT_DATA_PAGE_VERSION", "3.0"},
		{"backend", "CSICONV_STORAGE_BACKEND", "ftp"},
		{"buffer samples", "CSICONV_DECODE_BUFFER_SAMPLES", "0"},
		{"block size", "CSICONV_DECODE_BLOCK_SIZE", "2"},
		{"block size unit", "CSICONV_DECODE_BLOCK_SIZE", "1TB"},
		{"array id", "CSICONV_DECODE_TOB_ARRAY_ID", "1024"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdirTemp(t)
			t.Setenv(tt.env, tt.val)

			if _, err := Load(""); err == nil {
				t.Errorf("Load() with %s=%s succeeded, want error", tt.env, tt.val)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"4096", 4096, false},
		{"4KB", 4096, false},
		{"4kb", 4096, false},
		{"1.5MB", 1536 * 1024, false},
		{"1GB", 1024 * 1024 * 1024, false},
		{"100B", 100, false},
		{"", 0, true},
		{"abc", 0, true},
		{"1TB", 0, true},
		{"-1KB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}
