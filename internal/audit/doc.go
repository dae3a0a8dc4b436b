// Package audit records security-relevant gateway activity to a SQLite
// database and the standard logger.
//
// # Event Types
//
//   - [EventConnect]: remote connection established after a handshake.
//   - [EventConnectFailed]: handshake failed (bad credentials, unreachable host).
//   - [EventDisconnect]: remote connection ended, with the cause if any.
//   - [EventShellOpen] / [EventShellClose]: shell session lifecycle.
//   - [EventWatchOpen]: watch transport authorized.
//   - [EventWatchNavigate]: watch session moved, or failed to move.
//   - [EventTokenRejected]: a presented token was invalid or expired.
//
// # Trails
//
// [Auditor.Trail] binds an Auditor to one transport's scope (transport id,
// remote host and user, source IP). A Trail satisfies the recorder
// interfaces of the shell multiplexer and the watch session. All Trail
// methods are safe on a nil receiver, which is what handlers hold when the
// audit log is disabled.
//
// # Retention
//
// [Auditor.PurgeOlderThan] deletes entries past the retention period. The
// gateway schedules it daily.
//
// # Log Prefixes
//
// Audit log messages use the [audit] prefix.
package audit
