package config

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath   string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// Token authority
	TokenTTL time.Duration `envconfig:"TOKEN_TTL" default:"10s"`

	// Watch sessions
	WatchHome     string        `envconfig:"WATCH_HOME" default:""`
	WatchDebounce time.Duration `envconfig:"WATCH_DEBOUNCE" default:"50ms"`

	// Remote SSH connections
	SSHConnectTimeout    time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"15s"`
	SSHKeepaliveInterval time.Duration `envconfig:"SSH_KEEPALIVE_INTERVAL" default:"30s"`
	SSHKnownHosts        string        `envconfig:"SSH_KNOWN_HOSTS" default:""`

	// Transport
	CompressThreshold int      `envconfig:"COMPRESS_THRESHOLD" default:"0"`
	MaxMessageSize    int64    `envconfig:"MAX_MESSAGE_SIZE" default:"1048576"`
	AllowedOrigins    []string `envconfig:"ALLOWED_ORIGINS" default:""`

	// Audit log
	AuditEnabled       bool `envconfig:"AUDIT_ENABLED" default:"true"`
	AuditRetentionDays int  `envconfig:"AUDIT_RETENTION_DAYS" default:"30"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("WEBSSH", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// LogFile returns the configured log path, defaulting to a file under DataPath.
func (s Settings) LogFile() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.DataPath, "webssh.log")
}

// AuditDatabase returns the sqlite file backing the audit log.
func (s Settings) AuditDatabase() string {
	return filepath.Join(s.DataPath, "audit.db")
}

// HomePath returns the directory a watch session falls back to when no path
// is given. WatchHome wins, then the process user's home, then "/".
func (s Settings) HomePath() string {
	if s.WatchHome != "" {
		return s.WatchHome
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "/"
}
