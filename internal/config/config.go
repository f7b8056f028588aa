package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "CHUNKRECV_"

// ServerConfig holds configuration for the server binary.
type ServerConfig struct {
	Addr       string `yaml:"addr"`
	QUICAddr   string `yaml:"quic_addr"` // empty disables QUIC
	HTTPAddr   string `yaml:"http_addr"` // empty disables /health, /metrics and /upload
	StorageDir string `yaml:"storage_dir"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	ReadTimeout   time.Duration `yaml:"read_timeout"` // per header; 0 disables
	UploadTTL     time.Duration `yaml:"upload_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	ReadChunkSize  int    `yaml:"read_chunk_size"`
	MaxChunkLength uint32 `yaml:"max_chunk_length"`
	MaxChunkCount  uint32 `yaml:"max_chunk_count"`
	MaxActive      int    `yaml:"max_active_uploads"`

	AcceptRate     float64 `yaml:"accept_rate"` // new connections per second per IP; 0 is unlimited
	AcceptBurst    int     `yaml:"accept_burst"`
	MaxConnections int     `yaml:"max_connections"` // 0 is unlimited

	TCPReadBuffer    int           `yaml:"tcp_read_buffer"`
	TCPKeepAlive     time.Duration `yaml:"tcp_keepalive"`
	UDPBuffer        int           `yaml:"udp_buffer"`
	QUICStreamWindow int           `yaml:"quic_stream_window"`
	QUICMaxStreams   int           `yaml:"quic_max_streams"`
}

// ClientConfig holds configuration for the upload client.
type ClientConfig struct {
	Server    string   `yaml:"server"`
	Transport string   `yaml:"transport"` // tcp, quic or ws
	ChunkSize uint32   `yaml:"chunk_size"`
	LogLevel  string   `yaml:"log_level"`
	LogFormat string   `yaml:"log_format"`
	Quiet     bool     `yaml:"quiet"`
	Paths     []string `yaml:"-"`
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:             ":3434",
		HTTPAddr:         ":8080",
		LogLevel:         "info",
		LogFormat:        "text",
		ReadTimeout:      2 * time.Minute,
		UploadTTL:        30 * time.Minute,
		SweepInterval:    time.Minute,
		ReadChunkSize:    64 * 1024,
		MaxChunkLength:   64 * 1024 * 1024,
		MaxChunkCount:    1 << 24,
		MaxActive:        4096,
		AcceptBurst:      16,
		MaxConnections:   1024,
		TCPKeepAlive:     30 * time.Second,
		UDPBuffer:        8 * 1024 * 1024,
		QUICStreamWindow: 16 * 1024 * 1024,
		QUICMaxStreams:   100,
	}
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Server:    "127.0.0.1:3434",
		Transport: "tcp",
		ChunkSize: 1024 * 1024,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// DefaultStorageDir returns $HOME/.chunkrecv/uploads.
func DefaultStorageDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".chunkrecv", "uploads"), nil
}

// ParseServerConfig parses server configuration from a YAML file, environment
// variables and flags, in increasing order of precedence.
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path := configPath(args); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}

	// Environment overrides the file
	env := envReader{}
	env.stringVar("ADDR", &cfg.Addr)
	env.stringVar("QUIC_ADDR", &cfg.QUICAddr)
	env.stringVar("HTTP_ADDR", &cfg.HTTPAddr)
	env.stringVar("STORAGE_DIR", &cfg.StorageDir)
	env.stringVar("LOG_LEVEL", &cfg.LogLevel)
	env.stringVar("LOG_FORMAT", &cfg.LogFormat)
	env.durationVar("READ_TIMEOUT", &cfg.ReadTimeout)
	env.durationVar("UPLOAD_TTL", &cfg.UploadTTL)
	env.durationVar("SWEEP_INTERVAL", &cfg.SweepInterval)
	env.intVar("READ_CHUNK_SIZE", &cfg.ReadChunkSize)
	env.uint32Var("MAX_CHUNK_LENGTH", &cfg.MaxChunkLength)
	env.uint32Var("MAX_CHUNK_COUNT", &cfg.MaxChunkCount)
	env.intVar("MAX_ACTIVE_UPLOADS", &cfg.MaxActive)
	env.floatVar("ACCEPT_RATE", &cfg.AcceptRate)
	env.intVar("ACCEPT_BURST", &cfg.AcceptBurst)
	env.intVar("MAX_CONNECTIONS", &cfg.MaxConnections)
	env.intVar("TCP_READ_BUFFER", &cfg.TCPReadBuffer)
	env.durationVar("TCP_KEEPALIVE", &cfg.TCPKeepAlive)
	env.intVar("UDP_BUFFER", &cfg.UDPBuffer)
	env.intVar("QUIC_STREAM_WINDOW", &cfg.QUICStreamWindow)
	env.intVar("QUIC_MAX_STREAMS", &cfg.QUICMaxStreams)
	if err := env.err(); err != nil {
		return cfg, err
	}

	// Flags override environment
	fs.String("config", "", "path to a YAML config file (env "+envPrefix+"CONFIG)")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "TCP listen address")
	fs.StringVar(&cfg.QUICAddr, "quic-addr", cfg.QUICAddr, "QUIC listen address (empty disables QUIC)")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP address for /health, /metrics and /upload (empty disables)")
	fs.StringVar(&cfg.StorageDir, "storage-dir", cfg.StorageDir, "directory uploaded files are written to (default $HOME/.chunkrecv/uploads)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "max wait for the next request on a connection (0 disables)")
	fs.DurationVar(&cfg.UploadTTL, "upload-ttl", cfg.UploadTTL, "idle time after which an unfinished upload is evicted")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "how often idle uploads are swept")
	fs.IntVar(&cfg.ReadChunkSize, "read-chunk-size", cfg.ReadChunkSize, "socket read size in bytes for chunk payloads")
	fs.IntVar(&cfg.MaxActive, "max-active-uploads", cfg.MaxActive, "max uploads in progress at once")
	fs.Float64Var(&cfg.AcceptRate, "accept-rate", cfg.AcceptRate, "new connections per second per client IP (0 is unlimited)")
	fs.IntVar(&cfg.AcceptBurst, "accept-burst", cfg.AcceptBurst, "connection burst allowed per client IP")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "max concurrently open connections (0 is unlimited)")
	fs.IntVar(&cfg.TCPReadBuffer, "tcp-read-buffer", cfg.TCPReadBuffer, "TCP receive buffer in bytes (0 keeps the kernel default)")
	fs.DurationVar(&cfg.TCPKeepAlive, "tcp-keepalive", cfg.TCPKeepAlive, "TCP keep-alive period (0 disables)")
	fs.IntVar(&cfg.UDPBuffer, "udp-buffer", cfg.UDPBuffer, "UDP socket buffer in bytes for QUIC")
	fs.IntVar(&cfg.QUICStreamWindow, "quic-stream-window", cfg.QUICStreamWindow, "QUIC per-stream receive window in bytes")
	fs.IntVar(&cfg.QUICMaxStreams, "quic-max-streams", cfg.QUICMaxStreams, "max concurrent QUIC streams per connection")

	// uint32 flags go through uint64 and are range-checked after parsing
	maxChunkLength := uint64(cfg.MaxChunkLength)
	maxChunkCount := uint64(cfg.MaxChunkCount)
	fs.Uint64Var(&maxChunkLength, "max-chunk-length", maxChunkLength, "largest chunk length a client may request")
	fs.Uint64Var(&maxChunkCount, "max-chunk-count", maxChunkCount, "largest chunk count a client may request")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	var err error
	if cfg.MaxChunkLength, err = toUint32("max-chunk-length", maxChunkLength); err != nil {
		return cfg, err
	}
	if cfg.MaxChunkCount, err = toUint32("max-chunk-count", maxChunkCount); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c ServerConfig) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("addr must not be empty")
	case c.ReadChunkSize <= 0:
		return fmt.Errorf("read_chunk_size must be positive, got %d", c.ReadChunkSize)
	case c.MaxChunkLength == 0:
		return errors.New("max_chunk_length must be positive")
	case c.MaxChunkCount == 0:
		return errors.New("max_chunk_count must be positive")
	case c.MaxActive <= 0:
		return fmt.Errorf("max_active_uploads must be positive, got %d", c.MaxActive)
	case c.ReadTimeout < 0:
		return fmt.Errorf("read_timeout must not be negative, got %s", c.ReadTimeout)
	case c.UploadTTL <= 0:
		return fmt.Errorf("upload_ttl must be positive, got %s", c.UploadTTL)
	case c.SweepInterval <= 0:
		return fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval)
	case c.AcceptRate < 0:
		return fmt.Errorf("accept_rate must not be negative, got %g", c.AcceptRate)
	case c.MaxConnections < 0:
		return fmt.Errorf("max_connections must not be negative, got %d", c.MaxConnections)
	case c.AcceptRate > 0 && c.AcceptBurst < 1:
		return fmt.Errorf("accept_burst must be at least 1 when accept_rate is set, got %d", c.AcceptBurst)
	}
	if err := validateLogging(c.LogLevel, c.LogFormat); err != nil {
		return err
	}
	return nil
}

// ParseClientConfig parses client configuration from a YAML file, environment
// variables and flags. Positional arguments are the files to upload.
func ParseClientConfig() (ClientConfig, error) {
	return parseClientConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	if path := configPath(args); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}

	// Environment overrides the file
	env := envReader{}
	env.stringVar("SERVER", &cfg.Server)
	env.stringVar("TRANSPORT", &cfg.Transport)
	env.uint32Var("CHUNK_SIZE", &cfg.ChunkSize)
	env.stringVar("LOG_LEVEL", &cfg.LogLevel)
	env.stringVar("LOG_FORMAT", &cfg.LogFormat)
	if err := env.err(); err != nil {
		return cfg, err
	}

	// Flags override environment
	fs.String("config", "", "path to a YAML config file (env "+envPrefix+"CONFIG)")
	fs.StringVar(&cfg.Server, "server", cfg.Server, "server address (host:port)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport (tcp, quic, ws)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	fs.BoolVar(&cfg.Quiet, "quiet", cfg.Quiet, "suppress progress output")

	chunkSize := uint64(cfg.ChunkSize)
	fs.Uint64Var(&chunkSize, "chunk-size", chunkSize, "chunk size in bytes")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	var err error
	if cfg.ChunkSize, err = toUint32("chunk-size", chunkSize); err != nil {
		return cfg, err
	}
	cfg.Paths = fs.Args()

	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c ClientConfig) Validate() error {
	switch c.Transport {
	case "tcp", "quic", "ws":
	default:
		return fmt.Errorf("transport must be tcp, quic or ws, got %q", c.Transport)
	}
	if c.Server == "" {
		return errors.New("server must not be empty")
	}
	if c.ChunkSize == 0 {
		return errors.New("chunk_size must be positive")
	}
	if len(c.Paths) == 0 {
		return errors.New("no files to upload")
	}
	return validateLogging(c.LogLevel, c.LogFormat)
}

func validateLogging(level, format string) error {
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error, got %q", level)
	}
	switch format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", format)
	}
	return nil
}

// configPath finds the -config flag in args without parsing the rest, falling
// back to the environment.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv(envPrefix + "CONFIG")
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func toUint32(name string, v uint64) (uint32, error) {
	if v > uint64(^uint32(0)) {
		return 0, fmt.Errorf("%s %d exceeds %d", name, v, ^uint32(0))
	}
	return uint32(v), nil
}

// envReader applies CHUNKRECV_* variables, remembering the first parse error.
type envReader struct {
	first error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func (e *envReader) fail(key string, err error) {
	if e.first == nil {
		e.first = fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
}

func (e *envReader) err() error {
	return e.first
}

func (e *envReader) stringVar(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) intVar(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) uint32Var(key string, dst *uint32) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = uint32(n)
	}
}

func (e *envReader) floatVar(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) durationVar(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = d
	}
}
