package audit

import "fmt"

// Scope identifies whose activity a Trail records.
type Scope struct {
	Transport string
	Host      string
	User      string
	SourceIP  string
}

// Trail records events for one transport.
type Trail struct {
	a     *Auditor
	scope Scope
}

// Trail returns a Trail for scope. A nil Auditor yields a nil Trail.
func (a *Auditor) Trail(scope Scope) *Trail {
	if a == nil {
		return nil
	}
	return &Trail{a: a, scope: scope}
}

// WithRemote returns a copy of t scoped to a remote host and user.
func (t *Trail) WithRemote(host, user string) *Trail {
	if t == nil {
		return nil
	}
	s := t.scope
	s.Host, s.User = host, user
	return &Trail{a: t.a, scope: s}
}

// Log records event with details. Write failures are logged by the Auditor.
func (t *Trail) Log(event EventType, details string) {
	if t == nil {
		return
	}
	t.a.Log(AuditEntry{
		EventType: string(event),
		Transport: t.scope.Transport,
		Host:      t.scope.Host,
		Username:  t.scope.User,
		SourceIP:  t.scope.SourceIP,
		Details:   details,
	})
}

func (t *Trail) ShellOpened(id string) { t.Log(EventShellOpen, "id="+id) }

func (t *Trail) ShellClosed(id string) { t.Log(EventShellClose, "id="+id) }

func (t *Trail) WatchOpened(path string, err error) { t.logPath(EventWatchOpen, path, err) }

func (t *Trail) WatchNavigated(path string, err error) { t.logPath(EventWatchNavigate, path, err) }

func (t *Trail) logPath(event EventType, path string, err error) {
	if err != nil {
		t.Log(event, fmt.Sprintf("path=%s error=%v", path, err))
		return
	}
	t.Log(event, "path="+path)
}
