package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for csiconv
type Config struct {
	Decode  DecodeConfig
	Output  OutputConfig
	Storage StorageConfig
	Log     LogConfig
	Metrics MetricsConfig
}

type DecodeConfig struct {
	BlockSize     int    // Bytes requested per read from the input
	BufferSamples int    // Samples buffered per column before a flush to the sink
	Sloppy        bool   // Log and skip recoverable stream anomalies instead of failing
	InputType     string // auto, final, text, tob1, tob2, tob3
	TOBArrayID    int    // Array id assigned to rows of TOB files
}

type OutputConfig struct {
	Format          string // parquet or msgpack
	Prefix          string // Object name prefix inside the storage backend
	Compression     string // Parquet compression: snappy, gzip, zstd, none
	UseDictionary   bool   // Use dictionary encoding
	WriteStatistics bool   // Write Parquet statistics
	DataPageVersion string // Parquet data page version: 1.0 or 2.0
}

type StorageConfig struct {
	Backend    string
	LocalPath  string
	MaxRetries int // Upload retries for remote backends
	// S3/MinIO configuration
	S3Bucket    string
	S3Region    string
	S3Endpoint  string // Custom endpoint for MinIO (e.g., "http://localhost:9000")
	S3AccessKey string // AWS access key (or use AWS_ACCESS_KEY_ID env var)
	S3SecretKey string // AWS secret key (or use AWS_SECRET_ACCESS_KEY env var)
	S3UseSSL    bool   // Use HTTPS for S3 connections
	S3PathStyle bool   // Use path-style addressing (required for MinIO)
	// Azure Blob Storage configuration
	AzureConnectionString   string // Connection string (simplest auth method)
	AzureAccountName        string // Storage account name
	AzureAccountKey         string // Storage account key
	AzureSASToken           string // SAS token for scoped access
	AzureContainer          string // Container name
	AzureEndpoint           string // Custom endpoint (for Azurite testing)
	AzureUseManagedIdentity bool   // Use managed identity (Azure-hosted deployments)
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	TextfilePath string // Write Prometheus counters here after each run (empty disables)
}

var (
	inputTypes   = []string{"auto", "final", "text", "tob1", "tob2", "tob3"}
	outputFormat = []string{"parquet", "msgpack"}
	compressions = []string{"snappy", "gzip", "zstd", "none"}
	backends     = []string{"local", "s3", "minio", "azure", "azblob"}
)

// Load reads configuration from defaults, an optional TOML file and
// CSICONV_* environment variables. An explicit configFile must exist;
// otherwise csiconv.toml is searched in the usual places.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("CSICONV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("csiconv")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/csiconv/")
		v.AddConfigPath("$HOME/.csiconv/")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
			// Config file not found is OK, use defaults
		}
	}

	blockSize, err := ParseSize(v.GetString("decode.block_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid decode.block_size: %w", err)
	}

	// Build config from Viper (which includes defaults + env vars)
	cfg := &Config{
		Decode: DecodeConfig{
			BlockSize:     int(blockSize),
			BufferSamples: v.GetInt("decode.buffer_samples"),
			Sloppy:        v.GetBool("decode.sloppy"),
			InputType:     strings.ToLower(v.GetString("decode.input_type")),
			TOBArrayID:    v.GetInt("decode.tob_array_id"),
		},
		Output: OutputConfig{
			Format:          strings.ToLower(v.GetString("output.format")),
			Prefix:          v.GetString("output.prefix"),
			Compression:     strings.ToLower(v.GetString("output.compression")),
			UseDictionary:   v.GetBool("output.use_dictionary"),
			WriteStatistics: v.GetBool("output.write_statistics"),
			DataPageVersion: v.GetString("output.data_page_version"),
		},
		Storage: StorageConfig{
			Backend:     strings.ToLower(v.GetString("storage.backend")),
			LocalPath:   v.GetString("storage.local_path"),
			MaxRetries:  v.GetInt("storage.max_retries"),
			S3Bucket:    v.GetString("storage.s3_bucket"),
			S3Region:    v.GetString("storage.s3_region"),
			S3Endpoint:  v.GetString("storage.s3_endpoint"),
			S3AccessKey: v.GetString("storage.s3_access_key"),
			S3SecretKey: v.GetString("storage.s3_secret_key"),
			S3UseSSL:    v.GetBool("storage.s3_use_ssl"),
			S3PathStyle: v.GetBool("storage.s3_path_style"),
			// Azure Blob Storage
			AzureConnectionString:   v.GetString("storage.azure_connection_string"),
			AzureAccountName:        v.GetString("storage.azure_account_name"),
			AzureAccountKey:         v.GetString("storage.azure_account_key"),
			AzureSASToken:           v.GetString("storage.azure_sas_token"),
			AzureContainer:          v.GetString("storage.azure_container"),
			AzureEndpoint:           v.GetString("storage.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("storage.azure_use_managed_identity"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Metrics: MetricsConfig{
			TextfilePath: v.GetString("metrics.textfile_path"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Decode defaults
	v.SetDefault("decode.block_size", "4KB")
	v.SetDefault("decode.buffer_samples", 1000)
	v.SetDefault("decode.sloppy", false)
	v.SetDefault("decode.input_type", "auto")
	v.SetDefault("decode.tob_array_id", 1)

	// Output defaults
	v.SetDefault("output.format", "parquet")
	v.SetDefault("output.prefix", "")
	v.SetDefault("output.compression", "snappy")
	v.SetDefault("output.use_dictionary", true)
	v.SetDefault("output.write_statistics", true)
	v.SetDefault("output.data_page_version", "2.0")

	// Storage defaults
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_path", ".")
	v.SetDefault("storage.max_retries", 3)
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_use_ssl", true)
	v.SetDefault("storage.s3_path_style", false) // Use virtual-hosted style by default (set true for MinIO)
	v.SetDefault("storage.azure_use_managed_identity", false)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Metrics defaults
	v.SetDefault("metrics.textfile_path", "")
}

// Validate checks enumerated settings and bounds.
func (cfg *Config) Validate() error {
	if cfg.Decode.BlockSize < 4 {
		return fmt.Errorf("decode.block_size must be at least 4 bytes, got %d", cfg.Decode.BlockSize)
	}
	if cfg.Decode.BufferSamples < 1 {
		return fmt.Errorf("decode.buffer_samples must be positive, got %d", cfg.Decode.BufferSamples)
	}
	if cfg.Decode.TOBArrayID < 0 || cfg.Decode.TOBArrayID > 1023 {
		return fmt.Errorf("decode.tob_array_id must be within 0..1023, got %d", cfg.Decode.TOBArrayID)
	}
	if !oneOf(cfg.Decode.InputType, inputTypes) {
		return fmt.Errorf("decode.input_type %q not one of %s", cfg.Decode.InputType, strings.Join(inputTypes, ", "))
	}
	if !oneOf(cfg.Output.Format, outputFormat) {
		return fmt.Errorf("output.format %q not one of %s", cfg.Output.Format, strings.Join(outputFormat, ", "))
	}
	if !oneOf(cfg.Output.Compression, compressions) {
		return fmt.Errorf("output.compression %q not one of %s", cfg.Output.Compression, strings.Join(compressions, ", "))
	}
	if cfg.Output.DataPageVersion != "1.0" && cfg.Output.DataPageVersion != "2.0" {
		return fmt.Errorf("output.data_page_version must be 1.0 or 2.0, got %q", cfg.Output.DataPageVersion)
	}
	if cfg.Storage.MaxRetries < 0 {
		return fmt.Errorf("storage.max_retries must not be negative, got %d", cfg.Storage.MaxRetries)
	}
	if !oneOf(cfg.Storage.Backend, backends) {
		return fmt.Errorf("storage.backend %q not one of %s", cfg.Storage.Backend, strings.Join(backends, ", "))
	}
	return nil
}

func oneOf(s string, allowed []string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

// ParseSize parses a human-readable size string (e.g., "1GB", "500MB", "100KB") to bytes.
// Supports: B, KB, MB, GB (case-insensitive).
// Returns the size in bytes or an error if the format is invalid.
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Define multipliers (order matters: check longer suffixes first)
	type unitInfo struct {
		suffix     string
		multiplier int64
	}
	units := []unitInfo{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if strings.HasSuffix(sizeStr, unit.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))

			// Ensure the remaining string is a valid number (no trailing non-numeric chars)
			var num float64
			var trailing string
			n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
			if n == 0 {
				return 0, fmt.Errorf("invalid size number: %s", numStr)
			}
			if trailing != "" {
				return 0, fmt.Errorf("invalid size format: %s (use e.g., '4KB', '1MB')", sizeStr)
			}
			if num < 0 {
				return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
			}
			return int64(num * float64(unit.multiplier)), nil
		}
	}

	// Try parsing as plain number (bytes)
	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '4KB', '1MB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
