package app

import (
	"os"
	"testing"
	"time"
)

func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

var configEnvVars = []string{
	"HTTP_ADDR", "MONGO_URI", "MONGO_DB", "MONGO_COLLECTION",
	"LOG_LEVEL", "LOG_FORMAT", "TORRENT_DATA_DIR", "TORRENT_MAX_SESSIONS",
	"CORS_ALLOWED_ORIGINS", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_TRACE_SAMPLE_RATE",
	"STREAM_LISTEN_HOST", "STREAM_PORT", "STREAM_PUBLIC_HOST",
	"STREAM_MIN_DEADLINE", "STREAM_MAX_DEADLINE", "STREAM_READAHEAD",
	"STREAM_TAIL_DEADLINE", "STREAM_KEEPALIVE", "STREAM_SWEEP_INTERVAL",
	"STREAM_MAX_REQUEST_SIZE", "STREAM_WRITE_BUFFER_PIECES", "STREAM_FULL_GET",
}

func TestLoadConfigDefaults(t *testing.T) {
	// Clear all env vars that LoadConfig reads so we get pure defaults.
	for _, k := range configEnvVars {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg := LoadConfig()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"HTTPAddr", cfg.HTTPAddr, ":8080"},
		{"MongoURI", cfg.MongoURI, ""},
		{"MongoDatabase", cfg.MongoDatabase, "piecestream"},
		{"MongoCollection", cfg.MongoCollection, "torrents"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"LogFormat", cfg.LogFormat, "text"},
		{"TorrentDataDir", cfg.TorrentDataDir, "data"},
		{"MaxSessions", cfg.MaxSessions, 0},
		{"StreamListenHost", cfg.StreamListenHost, "0.0.0.0"},
		{"StreamPort", cfg.StreamPort, 0},
		{"StreamPublicHost", cfg.StreamPublicHost, "localhost"},
		{"StreamMinDeadline", cfg.StreamMinDeadline, 32 * time.Millisecond},
		{"StreamMaxDeadline", cfg.StreamMaxDeadline, 320 * time.Millisecond},
		{"StreamReadaheadBytes", cfg.StreamReadaheadBytes, int64(32 << 20)},
		{"StreamTailDeadline", cfg.StreamTailDeadline, 2 * time.Second},
		{"StreamKeepAlive", cfg.StreamKeepAlive, 7 * time.Second},
		{"StreamSweepInterval", cfg.StreamSweepInterval, 3 * time.Second},
		{"StreamMaxRequestSize", cfg.StreamMaxRequestSize, int64(64 << 10)},
		{"StreamWriteBufferPieces", cfg.StreamWriteBufferPieces, 2},
		{"StreamFullGET", cfg.StreamFullGET, false},
		{"OTELEndpoint", cfg.OTELEndpoint, ""},
		{"OTELSampleRate", cfg.OTELSampleRate, 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v (%T), want %v (%T)", tt.got, tt.got, tt.want, tt.want)
			}
		})
	}

	if len(cfg.CORSAllowedOrigins) != 0 {
		t.Errorf("CORSAllowedOrigins: got %v, want nil/empty", cfg.CORSAllowedOrigins)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	setEnvs(t, map[string]string{
		"HTTP_ADDR":                  ":9090",
		"MONGO_URI":                  "mongodb://remote:27017",
		"MONGO_DB":                   "mydb",
		"MONGO_COLLECTION":           "mytorrents",
		"LOG_LEVEL":                  "DEBUG",
		"LOG_FORMAT":                 "JSON",
		"TORRENT_DATA_DIR":           "/mnt/data",
		"TORRENT_MAX_SESSIONS":       "10",
		"CORS_ALLOWED_ORIGINS":       "http://localhost:3000, https://example.com",
		"STREAM_LISTEN_HOST":         "127.0.0.1",
		"STREAM_PORT":                "8090",
		"STREAM_PUBLIC_HOST":         "media.lan",
		"STREAM_MIN_DEADLINE":        "50ms",
		"STREAM_MAX_DEADLINE":        "1s",
		"STREAM_READAHEAD":           "8MB",
		"STREAM_TAIL_DEADLINE":       "0",
		"STREAM_KEEPALIVE":           "30s",
		"STREAM_SWEEP_INTERVAL":      "10s",
		"STREAM_MAX_REQUEST_SIZE":    "16KB",
		"STREAM_WRITE_BUFFER_PIECES": "4",
		"STREAM_FULL_GET":            "true",
	})

	cfg := LoadConfig()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"HTTPAddr", cfg.HTTPAddr, ":9090"},
		{"MongoURI", cfg.MongoURI, "mongodb://remote:27017"},
		{"MongoDatabase", cfg.MongoDatabase, "mydb"},
		{"MongoCollection", cfg.MongoCollection, "mytorrents"},
		{"LogLevel", cfg.LogLevel, "debug"},
		{"LogFormat", cfg.LogFormat, "json"},
		{"TorrentDataDir", cfg.TorrentDataDir, "/mnt/data"},
		{"MaxSessions", cfg.MaxSessions, 10},
		{"StreamListenHost", cfg.StreamListenHost, "127.0.0.1"},
		{"StreamPort", cfg.StreamPort, 8090},
		{"StreamPublicHost", cfg.StreamPublicHost, "media.lan"},
		{"StreamMinDeadline", cfg.StreamMinDeadline, 50 * time.Millisecond},
		{"StreamMaxDeadline", cfg.StreamMaxDeadline, time.Second},
		{"StreamReadaheadBytes", cfg.StreamReadaheadBytes, int64(8 << 20)},
		{"StreamTailDeadline", cfg.StreamTailDeadline, time.Duration(0)},
		{"StreamKeepAlive", cfg.StreamKeepAlive, 30 * time.Second},
		{"StreamSweepInterval", cfg.StreamSweepInterval, 10 * time.Second},
		{"StreamMaxRequestSize", cfg.StreamMaxRequestSize, int64(16 << 10)},
		{"StreamWriteBufferPieces", cfg.StreamWriteBufferPieces, 4},
		{"StreamFullGET", cfg.StreamFullGET, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v (%T), want %v (%T)", tt.got, tt.got, tt.want, tt.want)
			}
		})
	}

	wantOrigins := []string{"http://localhost:3000", "https://example.com"}
	if len(cfg.CORSAllowedOrigins) != len(wantOrigins) {
		t.Fatalf("CORSAllowedOrigins: got %d entries, want %d", len(cfg.CORSAllowedOrigins), len(wantOrigins))
	}
	for i, got := range cfg.CORSAllowedOrigins {
		if got != wantOrigins[i] {
			t.Errorf("CORSAllowedOrigins[%d]: got %q, want %q", i, got, wantOrigins[i])
		}
	}
}

func TestStreamConfig(t *testing.T) {
	cfg := Config{
		StreamListenHost:        "127.0.0.1",
		StreamPort:              9000,
		StreamPublicHost:        "media.lan",
		StreamMinDeadline:       100 * time.Millisecond,
		StreamMaxDeadline:       50 * time.Millisecond,
		StreamReadaheadBytes:    1 << 20,
		StreamKeepAlive:         time.Second,
		StreamMaxRequestSize:    4096,
		StreamWriteBufferPieces: 3,
		StreamFullGET:           true,
	}
	sc := cfg.StreamConfig()
	if sc.ListenHost != "127.0.0.1" || sc.Port != 9000 || sc.PublicHost != "media.lan" {
		t.Fatalf("unexpected listen settings: %+v", sc)
	}
	if sc.File.MaxDeadline != 100*time.Millisecond {
		t.Fatalf("MaxDeadline = %v, want raised to the min deadline", sc.File.MaxDeadline)
	}
	if sc.File.ReadaheadBytes != 1<<20 || sc.Server.MaxRequestSize != 4096 || sc.Server.KeepAlive != time.Second {
		t.Fatalf("unexpected nested settings: %+v", sc)
	}
	if sc.WriteBufferPieces != 3 || !sc.FullGET {
		t.Fatalf("unexpected response settings: %+v", sc)
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name   string
		envVal string
		want   time.Duration
	}{
		{"empty string", "", time.Second},
		{"valid", "250ms", 250 * time.Millisecond},
		{"zero", "0", 0},
		{"negative", "-1s", time.Second},
		{"bare number", "5", time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION_VAR", tt.envVal)
			if got := getEnvDuration("TEST_DURATION_VAR", time.Second); got != tt.want {
				t.Errorf("getEnvDuration(%q) = %v, want %v", tt.envVal, got, tt.want)
			}
		})
	}
}

func TestGetEnvBytes(t *testing.T) {
	tests := []struct {
		name   string
		envVal string
		want   int64
	}{
		{"empty string", "", 42},
		{"plain bytes", "1024", 1024},
		{"megabytes", "32MB", 32 << 20},
		{"lowercase kilobytes", "64kb", 64 << 10},
		{"negative", "-5", 42},
		{"garbage", "lots", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_BYTES_VAR", tt.envVal)
			if got := getEnvBytes("TEST_BYTES_VAR", 42); got != tt.want {
				t.Errorf("getEnvBytes(%q) = %d, want %d", tt.envVal, got, tt.want)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		envVal string
		want   bool
	}{
		{"", true},
		{"false", false},
		{"0", false},
		{"TRUE", true},
		{"maybe", true},
	}
	for _, tt := range tests {
		t.Setenv("TEST_BOOL_VAR", tt.envVal)
		if got := getEnvBool("TEST_BOOL_VAR", true); got != tt.want {
			t.Errorf("getEnvBool(%q) = %v, want %v", tt.envVal, got, tt.want)
		}
	}
}

func TestGetEnvInt64InvalidFallsBack(t *testing.T) {
	tests := []struct {
		name     string
		envVal   string
		fallback int64
		want     int64
	}{
		{"empty string", "", 42, 42},
		{"not a number", "abc", 42, 42},
		{"negative number", "-5", 42, 42},
		{"zero", "0", 42, 0},
		{"valid positive", "100", 42, 100},
		{"whitespace around number", "  50  ", 42, 50},
		{"float", "3.14", 42, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_INT_VAR", tt.envVal)
			got := getEnvInt64("TEST_INT_VAR", tt.fallback)
			if got != tt.want {
				t.Errorf("getEnvInt64(%q, %d) = %d, want %d", tt.envVal, tt.fallback, got, tt.want)
			}
		})
	}
}

func TestGetEnvFloat(t *testing.T) {
	tests := []struct {
		envVal string
		want   float64
	}{
		{"", 0.5},
		{"0", 0},
		{"0.25", 0.25},
		{" 1 ", 1},
		{"1.5", 0.5},
		{"-0.1", 0.5},
		{"half", 0.5},
	}
	for _, tt := range tests {
		t.Setenv("TEST_FLOAT_VAR", tt.envVal)
		if got := getEnvFloat("TEST_FLOAT_VAR", 0.5); got != tt.want {
			t.Errorf("getEnvFloat(%q) = %v, want %v", tt.envVal, got, tt.want)
		}
	}
}

func TestTelemetryConfig(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://collector:4318")
	t.Setenv("OTEL_TRACE_SAMPLE_RATE", "1")

	got := LoadConfig().TelemetryConfig("piecestream", "v1.2.0")
	if got.ServiceName != "piecestream" || got.ServiceVersion != "v1.2.0" {
		t.Errorf("service = %q %q", got.ServiceName, got.ServiceVersion)
	}
	if got.Endpoint != "https://collector:4318" || got.SampleRate != 1 {
		t.Errorf("endpoint = %q, rate = %v", got.Endpoint, got.SampleRate)
	}
}

func TestParseCSV(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty string", "", nil},
		{"whitespace only", "   ", nil},
		{"single value", "http://localhost:3000", []string{"http://localhost:3000"}},
		{"multiple values", "a,b,c", []string{"a", "b", "c"}},
		{"values with spaces", " a , b , c ", []string{"a", "b", "c"}},
		{"trailing comma", "a,b,", []string{"a", "b"}},
		{"empty entries filtered", "a,,b,,c", []string{"a", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseCSV(tt.input)
			if tt.want == nil {
				if got != nil {
					t.Errorf("parseCSV(%q) = %v, want nil", tt.input, got)
				}
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseCSV(%q) returned %d elements, want %d", tt.input, len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("parseCSV(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestGetEnvFallback(t *testing.T) {
	t.Setenv("TEST_EXISTING", "hello")

	if got := getEnv("TEST_EXISTING", "default"); got != "hello" {
		t.Errorf("getEnv(existing) = %q, want %q", got, "hello")
	}

	// Unset to test fallback
	t.Setenv("TEST_MISSING_XYZ", "")
	os.Unsetenv("TEST_MISSING_XYZ")
	if got := getEnv("TEST_MISSING_XYZ", "default"); got != "default" {
		t.Errorf("getEnv(missing) = %q, want %q", got, "default")
	}
}

func TestLogLevelCaseInsensitive(t *testing.T) {
	// LoadConfig lowercases LOG_LEVEL, so "DEBUG" -> "debug"
	t.Setenv("LOG_LEVEL", "DEBUG")
	cfg := LoadConfig()
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %q, want %q", cfg.LogLevel, "debug")
	}

	t.Setenv("LOG_LEVEL", "Warn")
	cfg = LoadConfig()
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel: got %q, want %q", cfg.LogLevel, "warn")
	}
}
