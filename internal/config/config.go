package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	CreatorsFile string
	HTTP         HTTPConfig
	Journal      JournalConfig
	Quota        QuotaConfig
}

type HTTPConfig struct {
	Addr        string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
	Metrics     bool
	AccessLog   bool
	Pprof       bool
}

type JournalConfig struct {
	SQLitePath string
	BatchSize  int
	FlushMaxMS int
}

type QuotaConfig struct {
	DailyLimit      int
	BufferThreshold int
}

const (
	defaultSQLitePath      = "chatwarden.db"
	defaultBatchSize       = 1
	defaultFlushMS         = 0
	defaultRateRPS         = 20
	defaultRateBurst       = 40
	defaultDailyLimit      = 10000
	defaultBufferThreshold = 8000
)

// Load reads process configuration from CW_-prefixed environment
// variables, falling back to legacy CHATWARDEN_ names where those were
// ever documented. Flags in main may still override individual fields.
func Load() Config {
	cfg := Config{}

	cfg.CreatorsFile = readString("CW_CREATORS_FILE", "CHATWARDEN_CREATORS_FILE")
	cfg.HTTP.Addr = readString("CW_HTTP_ADDR", "CHATWARDEN_HTTP_ADDR")
	cfg.HTTP.CORSOrigins = splitList(readString("CW_HTTP_CORS_ORIGINS", ""))
	cfg.HTTP.RateRPS = readInt("CW_HTTP_RATE_RPS", defaultRateRPS)
	cfg.HTTP.RateBurst = readInt("CW_HTTP_RATE_BURST", defaultRateBurst)
	cfg.HTTP.Metrics = readBool("CW_HTTP_METRICS", true)
	cfg.HTTP.AccessLog = readBool("CW_HTTP_ACCESS_LOG", true)
	cfg.HTTP.Pprof = readBool("CW_HTTP_PPROF", false)

	cfg.Journal.SQLitePath = readString("CW_JOURNAL_SQLITE_PATH", "CHATWARDEN_DB")
	if cfg.Journal.SQLitePath == "" {
		cfg.Journal.SQLitePath = defaultSQLitePath
	}
	cfg.Journal.BatchSize = readInt("CW_JOURNAL_BATCH_SIZE", defaultBatchSize)
	cfg.Journal.FlushMaxMS = readIntAllowZero("CW_JOURNAL_FLUSH_MAX_MS", defaultFlushMS)

	cfg.Quota.DailyLimit = readInt("CW_QUOTA_DAILY_LIMIT", defaultDailyLimit)
	cfg.Quota.BufferThreshold = readInt("CW_QUOTA_BUFFER_THRESHOLD", defaultBufferThreshold)

	return cfg
}

func (c Config) FlushInterval() time.Duration {
	if c.Journal.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Journal.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Journal.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Journal.BatchSize
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"creators_file": c.CreatorsFile,
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
			"rate_rps":     c.HTTP.RateRPS,
			"rate_burst":   c.HTTP.RateBurst,
			"metrics":      c.HTTP.Metrics,
			"access_log":   c.HTTP.AccessLog,
			"pprof":        c.HTTP.Pprof,
		},
		"journal": map[string]any{
			"sqlite_path": c.Journal.SQLitePath,
			"batch_size":  c.Journal.BatchSize,
			"flush_ms":    c.Journal.FlushMaxMS,
		},
		"quota": map[string]any{
			"daily_limit":      c.Quota.DailyLimit,
			"buffer_threshold": c.Quota.BufferThreshold,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func readString(name, legacy string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" && legacy != "" {
		v = strings.TrimSpace(os.Getenv(legacy))
	}
	return v
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func readIntAllowZero(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
