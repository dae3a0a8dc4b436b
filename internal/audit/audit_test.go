package audit

import (
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Temp file so every pooled connection sees the same data.
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return db
}

func newTestAuditor(t *testing.T) *Auditor {
	t.Helper()
	a, err := NewAuditor(setupTestDB(t), 30)
	if err != nil {
		t.Fatalf("new auditor: %v", err)
	}
	return a
}

func TestNewAuditor_CreatesTable(t *testing.T) {
	db := setupTestDB(t)
	if _, err := NewAuditor(db, 0); err != nil {
		t.Fatalf("new auditor: %v", err)
	}
	var count int64
	if err := db.Model(&AuditEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("query audit table: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty table, got %d", count)
	}
}

func TestNewAuditor_DefaultRetention(t *testing.T) {
	a, err := NewAuditor(setupTestDB(t), 0)
	if err != nil {
		t.Fatal(err)
	}
	if a.RetentionDays() != DefaultRetentionDays {
		t.Errorf("RetentionDays = %d, want %d", a.RetentionDays(), DefaultRetentionDays)
	}
}

func TestOpenDB(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "nested", "audit.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	if _, err := NewAuditor(db, 1); err != nil {
		t.Fatal(err)
	}
}

func TestLogAndQuery(t *testing.T) {
	a := newTestAuditor(t)

	if err := a.Log(AuditEntry{EventType: string(EventConnect), Transport: "t1", Host: "h", Username: "root", Details: "ok"}); err != nil {
		t.Fatal(err)
	}
	a.Log(AuditEntry{EventType: string(EventShellOpen), Transport: "t1", Details: "id=a"})
	a.Log(AuditEntry{EventType: string(EventShellOpen), Transport: "t2", Details: "id=b"})

	entries, total, err := a.Query(QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(entries) != 3 {
		t.Fatalf("total = %d, entries = %d, want 3", total, len(entries))
	}
	if entries[0].Details != "id=b" {
		t.Errorf("newest first: got %q", entries[0].Details)
	}

	entries, total, _ = a.Query(QueryOptions{EventType: string(EventShellOpen), Transport: "t1"})
	if total != 1 || entries[0].Details != "id=a" {
		t.Errorf("filtered = %+v (total %d)", entries, total)
	}

	entries, _, _ = a.Query(QueryOptions{User: "root"})
	if len(entries) != 1 || entries[0].Host != "h" {
		t.Errorf("user filter = %+v", entries)
	}

	entries, total, _ = a.Query(QueryOptions{Limit: 2, Offset: 2})
	if total != 3 || len(entries) != 1 {
		t.Errorf("paging: total = %d, entries = %d", total, len(entries))
	}
}

func TestQueryTimeRange(t *testing.T) {
	a := newTestAuditor(t)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	for i := range 3 {
		a.Log(AuditEntry{EventType: string(EventConnect), CreatedAt: base.AddDate(0, 0, i)})
	}
	since := base.AddDate(0, 0, 1)
	_, total, err := a.Query(QueryOptions{Since: &since})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("since: total = %d, want 2", total)
	}
	until := base
	_, total, _ = a.Query(QueryOptions{Until: &until})
	if total != 1 {
		t.Errorf("until: total = %d, want 1", total)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	a := newTestAuditor(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a.SetNowFunc(func() time.Time { return now })

	a.Log(AuditEntry{EventType: string(EventConnect), CreatedAt: now.AddDate(0, 0, -45)})
	a.Log(AuditEntry{EventType: string(EventConnect), CreatedAt: now.AddDate(0, 0, -31)})
	a.Log(AuditEntry{EventType: string(EventConnect), CreatedAt: now.AddDate(0, 0, -5)})

	n, err := a.PurgeOlderThan(0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("purged %d, want 2", n)
	}

	n, _ = a.PurgeOlderThan(1)
	if n != 1 {
		t.Errorf("purged %d with 1-day window, want 1", n)
	}
}

func TestTrailRecordsScope(t *testing.T) {
	a := newTestAuditor(t)
	trail := a.Trail(Scope{Transport: "tx", SourceIP: "10.0.0.1"}).WithRemote("example.org", "alice")

	trail.ShellOpened("s1")
	trail.ShellClosed("s1")
	trail.WatchOpened("/tmp", nil)
	trail.WatchNavigated("/nope", errors.New("no such file"))

	entries, total, err := a.Query(QueryOptions{Transport: "tx"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 {
		t.Fatalf("total = %d, want 4", total)
	}
	for _, e := range entries {
		if e.Host != "example.org" || e.Username != "alice" || e.SourceIP != "10.0.0.1" {
			t.Errorf("entry scope = %+v", e)
		}
	}
	if entries[0].EventType != string(EventWatchNavigate) || entries[0].Details != "path=/nope error=no such file" {
		t.Errorf("newest entry = %+v", entries[0])
	}
	if entries[3].EventType != string(EventShellOpen) || entries[3].Details != "id=s1" {
		t.Errorf("oldest entry = %+v", entries[3])
	}
}

func TestNilTrail(t *testing.T) {
	var a *Auditor
	trail := a.Trail(Scope{Transport: "x"})
	if trail != nil {
		t.Fatal("nil auditor produced a trail")
	}
	trail.WithRemote("h", "u").ShellOpened("a")
	trail.ShellClosed("a")
	trail.WatchNavigated("/", nil)
	trail.WatchOpened("/", nil)
	trail.Log(EventTokenRejected, "")
}

func TestSourceIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded", map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1"}, "9.9.9.9:1", "1.2.3.4"},
		{"real ip", map[string]string{"X-Real-Ip": "5.6.7.8"}, "9.9.9.9:1", "5.6.7.8"},
		{"remote addr", nil, "9.9.9.9:1234", "9.9.9.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := SourceIP(r); got != tt.want {
				t.Errorf("SourceIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSchedulePurge(t *testing.T) {
	a := newTestAuditor(t)
	a.Log(AuditEntry{EventType: string(EventConnect), CreatedAt: time.Now().AddDate(0, 0, -90)})
	a.Log(AuditEntry{EventType: string(EventConnect)})

	c := cron.New()
	id, err := a.SchedulePurge(c, "")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Fatalf("entries = %d, want 1", len(c.Entries()))
	}

	c.Entry(id).Job.Run()

	_, total, err := a.Query(QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("total after purge = %d, want 1", total)
	}

	if _, err := a.SchedulePurge(c, "not a spec"); err == nil {
		t.Error("invalid spec accepted")
	}
}
