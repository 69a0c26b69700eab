package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"

	"piecestream/internal/services/streaming/streamfile"
	"piecestream/internal/services/streaming/streammanager"
	"piecestream/internal/services/streaming/streamserver"
	"piecestream/internal/telemetry"
)

type Config struct {
	HTTPAddr           string
	MongoURI           string // empty disables persistence
	MongoDatabase      string
	MongoCollection    string
	LogLevel           string
	LogFormat          string
	TorrentDataDir     string
	MaxSessions        int // 0 = unlimited
	CORSAllowedOrigins []string
	OTELEndpoint       string // empty disables tracing
	OTELSampleRate     float64

	StreamListenHost        string
	StreamPort              int // 0 = ephemeral
	StreamPublicHost        string
	StreamMinDeadline       time.Duration
	StreamMaxDeadline       time.Duration
	StreamReadaheadBytes    int64
	StreamTailDeadline      time.Duration
	StreamKeepAlive         time.Duration
	StreamSweepInterval     time.Duration
	StreamMaxRequestSize    int64
	StreamWriteBufferPieces int
	StreamFullGET           bool
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		MongoURI:           getEnv("MONGO_URI", ""),
		MongoDatabase:      getEnv("MONGO_DB", "piecestream"),
		MongoCollection:    getEnv("MONGO_COLLECTION", "torrents"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		TorrentDataDir:     getEnv("TORRENT_DATA_DIR", "data"),
		MaxSessions:        int(getEnvInt64("TORRENT_MAX_SESSIONS", 0)),
		CORSAllowedOrigins: parseCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
		OTELEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELSampleRate:     getEnvFloat("OTEL_TRACE_SAMPLE_RATE", telemetry.DefaultSampleRate),

		StreamListenHost:        getEnv("STREAM_LISTEN_HOST", "0.0.0.0"),
		StreamPort:              int(getEnvInt64("STREAM_PORT", 0)),
		StreamPublicHost:        getEnv("STREAM_PUBLIC_HOST", "localhost"),
		StreamMinDeadline:       getEnvDuration("STREAM_MIN_DEADLINE", 32*time.Millisecond),
		StreamMaxDeadline:       getEnvDuration("STREAM_MAX_DEADLINE", 320*time.Millisecond),
		StreamReadaheadBytes:    getEnvBytes("STREAM_READAHEAD", 32<<20),
		StreamTailDeadline:      getEnvDuration("STREAM_TAIL_DEADLINE", 2*time.Second),
		StreamKeepAlive:         getEnvDuration("STREAM_KEEPALIVE", 7*time.Second),
		StreamSweepInterval:     getEnvDuration("STREAM_SWEEP_INTERVAL", 3*time.Second),
		StreamMaxRequestSize:    getEnvBytes("STREAM_MAX_REQUEST_SIZE", 64<<10),
		StreamWriteBufferPieces: int(getEnvInt64("STREAM_WRITE_BUFFER_PIECES", 2)),
		StreamFullGET:           getEnvBool("STREAM_FULL_GET", false),
	}
}

func (c Config) TelemetryConfig(service, version string) telemetry.Config {
	return telemetry.Config{
		ServiceName:    service,
		ServiceVersion: version,
		Endpoint:       c.OTELEndpoint,
		SampleRate:     c.OTELSampleRate,
	}
}

// StreamConfig assembles the stream registry settings. A max deadline below
// the min deadline is raised to it.
func (c Config) StreamConfig() streammanager.Config {
	maxDeadline := c.StreamMaxDeadline
	if maxDeadline < c.StreamMinDeadline {
		maxDeadline = c.StreamMinDeadline
	}
	return streammanager.Config{
		ListenHost: c.StreamListenHost,
		Port:       c.StreamPort,
		PublicHost: c.StreamPublicHost,
		File: streamfile.Config{
			MinDeadline:    c.StreamMinDeadline,
			MaxDeadline:    maxDeadline,
			ReadaheadBytes: c.StreamReadaheadBytes,
			TailDeadline:   c.StreamTailDeadline,
		},
		Server: streamserver.Config{
			KeepAlive:      c.StreamKeepAlive,
			SweepInterval:  c.StreamSweepInterval,
			MaxRequestSize: int(c.StreamMaxRequestSize),
		},
		WriteBufferPieces: c.StreamWriteBufferPieces,
		FullGET:           c.StreamFullGET,
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

// getEnvFloat accepts rates in [0,1].
func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvBytes accepts plain byte counts and sizes such as "32MB" or "64kb".
func getEnvBytes(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		if n < 0 {
			return fallback
		}
		return n
	}
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(value)); err != nil {
		return fallback
	}
	return int64(size.Bytes())
}

func parseCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
