package watch

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/gluk-w/webssh/internal/token"
	"github.com/gluk-w/webssh/internal/wire"
)

type fakeObserver struct {
	path   string
	events chan struct{}

	mu     sync.Mutex
	closed bool
}

func (o *fakeObserver) Events() <-chan struct{} { return o.events }

func (o *fakeObserver) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}

func (o *fakeObserver) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *fakeObserver) Trigger() {
	select {
	case o.events <- struct{}{}:
	default:
	}
}

type fakeWatcher struct {
	mu        sync.Mutex
	observers []*fakeObserver
	fail      map[string]error
}

func (w *fakeWatcher) Watch(path string) (Observer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.fail[path]; err != nil {
		return nil, err
	}
	obs := &fakeObserver{path: path, events: make(chan struct{}, 1)}
	w.observers = append(w.observers, obs)
	return obs, nil
}

func (w *fakeWatcher) last() *fakeObserver {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.observers) == 0 {
		return nil
	}
	return w.observers[len(w.observers)-1]
}

type navigation struct {
	opened bool
	path   string
	err    error
}

type navRecorder struct {
	mu   sync.Mutex
	navs []navigation
}

func (r *navRecorder) WatchOpened(path string, err error) {
	r.mu.Lock()
	r.navs = append(r.navs, navigation{true, path, err})
	r.mu.Unlock()
}

func (r *navRecorder) WatchNavigated(path string, err error) {
	r.mu.Lock()
	r.navs = append(r.navs, navigation{false, path, err})
	r.mu.Unlock()
}

func (r *navRecorder) all() []navigation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]navigation(nil), r.navs...)
}

func memFs(t *testing.T) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	if err := fsys.MkdirAll("/home/u/docs", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fsys, "/home/u/notes.txt", []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fsys.MkdirAll("/srv/empty", 0o755); err != nil {
		t.Fatal(err)
	}
	return fsys
}

func next(t *testing.T, q *wire.Queue) Snapshot {
	t.Helper()
	select {
	case v := <-q.C():
		snap, ok := v.(Snapshot)
		if !ok {
			t.Fatalf("queued %T, want Snapshot", v)
		}
		return snap
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func expectNothing(t *testing.T, q *wire.Queue, d time.Duration) {
	t.Helper()
	select {
	case v := <-q.C():
		t.Fatalf("unexpected message %#v", v)
	case <-time.After(d):
	}
}

func strPtr(s string) *string { return &s }

func newTestSession(t *testing.T, fsys afero.Fs, w Watcher) (*Session, *wire.Queue, *token.Authority) {
	t.Helper()
	auth := token.New(time.Minute)
	t.Cleanup(auth.Stop)
	q := wire.NewQueue(16)
	s := NewSession(q, Options{
		Fs:       fsys,
		Watcher:  w,
		Verifier: auth,
		Home:     "/home/u",
		Debounce: -1,
	})
	t.Cleanup(s.Close)
	return s, q, auth
}

func TestTakeClassifies(t *testing.T) {
	fsys := memFs(t)

	snap := Take(fsys, "/home/u/notes.txt")
	if snap.Kind != KindFile || snap.Stat.Size != 5 || !snap.Stat.IsFile {
		t.Errorf("file snapshot = %+v", snap)
	}

	snap = Take(fsys, "/home/u")
	if snap.Kind != KindDirectory || !snap.Stat.IsDirectory {
		t.Fatalf("directory snapshot = %+v", snap)
	}
	if len(snap.Files) != 2 {
		t.Fatalf("files = %v, want docs and notes.txt", snap.Files)
	}
	if !snap.Files["docs"].IsDirectory || !snap.Files["notes.txt"].IsFile {
		t.Errorf("entries = %+v", snap.Files)
	}

	snap = Take(fsys, "/nope")
	if snap.Kind != KindError || snap.Err == "" || snap.Path != "/nope" {
		t.Errorf("error snapshot = %+v", snap)
	}
}

func TestSnapshotJSON(t *testing.T) {
	fsys := memFs(t)

	tests := []struct {
		path string
		keys []string
	}{
		{"/home/u/notes.txt", []string{"file", "path"}},
		{"/srv/empty", []string{"directory", "files", "path"}},
		{"/missing", []string{"error", "path"}},
	}
	for _, tt := range tests {
		data, err := json.Marshal(Take(fsys, tt.path))
		if err != nil {
			t.Fatalf("%s: %v", tt.path, err)
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			t.Fatal(err)
		}
		if len(obj) != len(tt.keys) {
			t.Errorf("%s: %s has keys %v, want %v", tt.path, data, obj, tt.keys)
		}
		for _, k := range tt.keys {
			if _, ok := obj[k]; !ok {
				t.Errorf("%s: %s missing %q", tt.path, data, k)
			}
		}
	}

	data, _ := json.Marshal(Take(fsys, "/srv/empty"))
	if !strings.Contains(string(data), `"files":{}`) {
		t.Errorf("empty directory should carry an empty files object: %s", data)
	}
}

func TestStatFields(t *testing.T) {
	fsys := memFs(t)
	data, err := json.Marshal(Take(fsys, "/home/u/notes.txt"))
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		File map[string]any `json:"file"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"size", "mode", "modeString", "mtimeMs", "isFile", "isDirectory", "isSymbolicLink"} {
		if _, ok := got.File[k]; !ok {
			t.Errorf("stat missing %q: %s", k, data)
		}
	}
}

func TestPosixMode(t *testing.T) {
	tests := []struct {
		mode fs.FileMode
		want uint32
	}{
		{0o644, 0o100644},
		{fs.ModeDir | 0o755, 0o040755},
		{fs.ModeSymlink | 0o777, 0o120777},
		{fs.ModeNamedPipe | 0o600, 0o010600},
		{fs.ModeSocket | 0o700, 0o140700},
		{fs.ModeDevice | fs.ModeCharDevice | 0o666, 0o020666},
		{fs.ModeDevice | 0o660, 0o060660},
		{fs.ModeDir | fs.ModeSticky | 0o777, 0o041777},
		{fs.ModeSetuid | 0o755, 0o104755},
	}
	for _, tt := range tests {
		if got := posixMode(tt.mode); got != tt.want {
			t.Errorf("posixMode(%v) = %o, want %o", tt.mode, got, tt.want)
		}
	}
}

func TestParseMessage(t *testing.T) {
	m, err := ParseMessage([]byte(`{"token":"abc","cd":"/tmp"}`))
	if err != nil {
		t.Fatal(err)
	}
	if m.Token == nil || *m.Token != "abc" || !m.HasCd || m.Cd == nil || *m.Cd != "/tmp" {
		t.Errorf("got %+v", m)
	}

	m, err = ParseMessage([]byte(`{"cd":null}`))
	if err != nil {
		t.Fatal(err)
	}
	if !m.HasCd || m.Cd != nil || m.Token != nil {
		t.Errorf("null cd: got %+v", m)
	}

	m, err = ParseMessage([]byte(`{"token":"abc"}`))
	if err != nil {
		t.Fatal(err)
	}
	if m.HasCd {
		t.Errorf("absent cd reported present")
	}

	for _, bad := range []string{`[]`, `null`, `{"cd":5}`, `{"token":true}`, `nope`} {
		if _, err := ParseMessage([]byte(bad)); !errors.Is(err, wire.ErrMalformed) {
			t.Errorf("ParseMessage(%s) = %v, want ErrMalformed", bad, err)
		}
	}
}

func TestOpenRejectsInvalidToken(t *testing.T) {
	w := &fakeWatcher{}
	s, q, _ := newTestSession(t, memFs(t), w)

	if err := s.Open("forged", nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Open = %v, want ErrUnauthorized", err)
	}
	expectNothing(t, q, 50*time.Millisecond)
	if w.last() != nil {
		t.Error("observer started for unauthorized session")
	}
}

func TestOpenConsumesToken(t *testing.T) {
	s, q, auth := newTestSession(t, memFs(t), &fakeWatcher{})
	tok := auth.Issue(0)

	if err := s.Open(tok.Value, nil); err != nil {
		t.Fatal(err)
	}
	next(t, q)

	other := NewSession(wire.NewQueue(1), Options{Fs: memFs(t), Watcher: &fakeWatcher{}, Verifier: auth})
	if err := other.Open(tok.Value, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("second Open with same token = %v, want ErrUnauthorized", err)
	}
}

func TestOpenDefaultsToHome(t *testing.T) {
	w := &fakeWatcher{}
	s, q, auth := newTestSession(t, memFs(t), w)

	if err := s.Open(auth.Issue(0).Value, nil); err != nil {
		t.Fatal(err)
	}
	snap := next(t, q)
	if snap.Kind != KindDirectory || snap.Path != "/home/u" {
		t.Fatalf("snapshot = %+v, want home directory", snap)
	}
	if s.Path() != "/home/u" || w.last() == nil || w.last().path != "/home/u" {
		t.Errorf("session not watching home: path=%q", s.Path())
	}
}

func TestOpenMissingPathStaysOpen(t *testing.T) {
	w := &fakeWatcher{}
	s, q, auth := newTestSession(t, memFs(t), w)

	if err := s.Open(auth.Issue(0).Value, strPtr("/gone")); err != nil {
		t.Fatalf("Open = %v, want error snapshot instead", err)
	}
	if snap := next(t, q); snap.Kind != KindError || snap.Path != "/gone" {
		t.Fatalf("snapshot = %+v", snap)
	}

	if err := s.Cd(strPtr("/srv/empty")); err != nil {
		t.Fatal(err)
	}
	if snap := next(t, q); snap.Kind != KindDirectory {
		t.Errorf("cd after failed open = %+v", snap)
	}
}

func TestCdSwapsObserver(t *testing.T) {
	w := &fakeWatcher{}
	s, q, auth := newTestSession(t, memFs(t), w)
	if err := s.Open(auth.Issue(0).Value, nil); err != nil {
		t.Fatal(err)
	}
	next(t, q)
	first := w.last()

	if err := s.Cd(strPtr("/home/u/notes.txt")); err != nil {
		t.Fatal(err)
	}
	if snap := next(t, q); snap.Kind != KindFile || snap.Path != "/home/u/notes.txt" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !first.Closed() {
		t.Error("previous observer still open after successful cd")
	}
	if s.Path() != "/home/u/notes.txt" {
		t.Errorf("Path = %q", s.Path())
	}
}

func TestCdFailurePreservesObserver(t *testing.T) {
	w := &fakeWatcher{}
	s, q, auth := newTestSession(t, memFs(t), w)
	if err := s.Open(auth.Issue(0).Value, strPtr("/srv/empty")); err != nil {
		t.Fatal(err)
	}
	next(t, q)
	first := w.last()

	if err := s.Cd(strPtr("/nowhere")); err == nil {
		t.Fatal("cd to missing path succeeded")
	}
	if snap := next(t, q); snap.Kind != KindError || snap.Path != "/nowhere" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if first.Closed() {
		t.Error("observer released by failed cd")
	}
	if s.Path() != "/srv/empty" {
		t.Errorf("Path = %q, want /srv/empty", s.Path())
	}

	w.fail = map[string]error{"/home/u/docs": errors.New("too many watches")}
	if err := s.Cd(strPtr("/home/u/docs")); err == nil {
		t.Fatal("cd with failing observer succeeded")
	}
	if snap := next(t, q); snap.Kind != KindError || !strings.Contains(snap.Err, "too many watches") {
		t.Fatalf("snapshot = %+v", snap)
	}
	if first.Closed() || s.Path() != "/srv/empty" {
		t.Errorf("observer not preserved after watch failure")
	}
}

func TestCdResolvesPaths(t *testing.T) {
	s, q, auth := newTestSession(t, memFs(t), &fakeWatcher{})
	if err := s.Open(auth.Issue(0).Value, nil); err != nil {
		t.Fatal(err)
	}
	next(t, q)

	steps := []struct {
		cd   *string
		want string
	}{
		{strPtr("docs"), "/home/u/docs"},
		{strPtr(".."), "/home/u"},
		{strPtr("/srv/empty/"), "/srv/empty"},
		{strPtr(""), "/home/u"},
		{nil, "/home/u"},
	}
	for _, step := range steps {
		if err := s.Cd(step.cd); err != nil {
			t.Fatalf("cd %v: %v", step.cd, err)
		}
		if snap := next(t, q); snap.Path != step.want {
			t.Errorf("snapshot path = %q, want %q", snap.Path, step.want)
		}
	}
}

func TestRunRejectsMissingToken(t *testing.T) {
	s, q, _ := newTestSession(t, memFs(t), &fakeWatcher{})
	in := make(chan Message, 1)
	in <- Message{HasCd: true, Cd: strPtr("/srv")}

	if err := s.Run(context.Background(), in); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Run = %v, want ErrUnauthorized", err)
	}
	expectNothing(t, q, 50*time.Millisecond)
}

func TestRunNavigatesAndRefreshes(t *testing.T) {
	fsys := memFs(t)
	w := &fakeWatcher{}
	rec := &navRecorder{}
	auth := token.New(time.Minute)
	defer auth.Stop()
	q := wire.NewQueue(16)
	s := NewSession(q, Options{Fs: fsys, Watcher: w, Verifier: auth, Home: "/home/u", Debounce: 10 * time.Millisecond, Recorder: rec})

	in := make(chan Message)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, in) }()

	in <- Message{Token: strPtr(auth.Issue(0).Value), Cd: strPtr("/srv/empty")}
	if snap := next(t, q); snap.Kind != KindDirectory || len(snap.Files) != 0 {
		t.Fatalf("initial snapshot = %+v", snap)
	}

	if err := afero.WriteFile(fsys, "/srv/empty/new.txt", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	obs := w.last()
	for range 5 {
		obs.Trigger()
	}
	snap := next(t, q)
	if _, ok := snap.Files["new.txt"]; !ok {
		t.Fatalf("refresh missed new file: %+v", snap)
	}
	expectNothing(t, q, 60*time.Millisecond)

	in <- Message{HasCd: true, Cd: strPtr("/missing")}
	if snap := next(t, q); snap.Kind != KindError {
		t.Fatalf("cd snapshot = %+v", snap)
	}
	obs.Trigger()
	if snap := next(t, q); snap.Path != "/srv/empty" {
		t.Errorf("previous path not watched after failed cd: %+v", snap)
	}

	in <- Message{Token: strPtr("ignored")}
	expectNothing(t, q, 30*time.Millisecond)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if !obs.Closed() {
		t.Error("observer not released when Run returned")
	}

	navs := rec.all()
	if len(navs) != 2 || !navs[0].opened || navs[0].path != "/srv/empty" || navs[0].err != nil ||
		navs[1].opened || navs[1].path != "/missing" || navs[1].err == nil {
		t.Errorf("navigations = %+v", navs)
	}
}

func TestRunWithFilesystemNotifications(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	auth := token.New(time.Minute)
	defer auth.Stop()
	q := wire.NewQueue(64)
	s := NewSession(q, Options{Verifier: auth, Home: dir, Debounce: 20 * time.Millisecond})

	in := make(chan Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, in)

	in <- Message{Token: strPtr(auth.Issue(0).Value)}
	snap := next(t, q)
	if snap.Kind != KindDirectory || snap.Path != dir {
		t.Fatalf("initial snapshot = %+v", snap)
	}
	if _, ok := snap.Files["a.txt"]; !ok {
		t.Fatalf("a.txt missing from %+v", snap.Files)
	}

	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bb"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case v := <-q.C():
			if snap := v.(Snapshot); snap.Files["b.txt"].Size == 2 {
				return
			}
		case <-deadline:
			t.Fatal("no snapshot containing b.txt")
		}
	}
}
