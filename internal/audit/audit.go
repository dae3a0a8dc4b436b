package audit

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/webssh/internal/logutil"
)

// EventType names an audited event.
type EventType string

const (
	EventConnect       EventType = "remote_connect"
	EventConnectFailed EventType = "remote_connect_failed"
	EventDisconnect    EventType = "remote_disconnect"
	EventShellOpen     EventType = "shell_open"
	EventShellClose    EventType = "shell_close"
	EventWatchOpen     EventType = "watch_open"
	EventWatchNavigate EventType = "watch_navigate"
	EventTokenRejected EventType = "token_rejected"
)

// DefaultRetentionDays is used when NewAuditor is given no retention.
const DefaultRetentionDays = 30

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	EventType string    `gorm:"index;not null" json:"event_type"`
	Transport string    `gorm:"index" json:"transport"`
	Host      string    `json:"host"`
	Username  string    `json:"username"`
	SourceIP  string    `json:"source_ip"`
	Details   string    `json:"details"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (AuditEntry) TableName() string { return "audit_log" }

// OpenDB opens (creating if needed) the SQLite database at path in WAL mode.
func OpenDB(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	return db, nil
}

// Auditor writes and queries audit entries.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor migrates the audit table in db. A non-positive retentionDays
// selects DefaultRetentionDays.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if err := db.AutoMigrate(&AuditEntry{}); err != nil {
		return nil, fmt.Errorf("auto-migrate audit log: %w", err)
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}, nil
}

// Log stores e and mirrors it to the standard logger. CreatedAt is set from
// the auditor's clock when zero.
func (a *Auditor) Log(e AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = a.nowFn()
	}
	a.mu.Lock()
	err := a.db.Create(&e).Error
	a.mu.Unlock()
	if err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}
	log.Printf("[audit] %s transport=%s host=%s user=%s ip=%s details=%s",
		e.EventType,
		e.Transport,
		logutil.SanitizeForLog(e.Host),
		logutil.SanitizeForLog(e.Username),
		e.SourceIP,
		logutil.SanitizeForLog(e.Details),
	)
	return nil
}

// QueryOptions filters Query.
type QueryOptions struct {
	EventType string
	Transport string
	Host      string
	User      string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// Query returns matching entries, newest first, and the total match count.
func (a *Auditor) Query(opts QueryOptions) ([]AuditEntry, int64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&AuditEntry{})
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Transport != "" {
		tx = tx.Where("transport = ?", opts.Transport)
	}
	if opts.Host != "" {
		tx = tx.Where("host = ?", opts.Host)
	}
	if opts.User != "" {
		tx = tx.Where("username = ?", opts.User)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []AuditEntry
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// PurgeOlderThan deletes entries older than days, or than the configured
// retention when days is not positive. It returns the number deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&AuditEntry{})
	a.mu.Unlock()
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int { return a.retentionDays }

// SetNowFunc replaces the clock, for tests.
func (a *Auditor) SetNowFunc(fn func() time.Time) { a.nowFn = fn }

// SourceIP extracts the client address of r, preferring X-Forwarded-For
// and X-Real-IP.
func SourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
