// Package shellmux multiplexes client-named shell sessions over one remote
// connection.
//
// A [Mux] belongs to exactly one transport. Its state, the id → session map
// and the set of ids currently being opened, is owned by the goroutine running
// [Mux.Run]; requests from the transport and notifications from shell
// channels reach it as messages on its inbox, so no locking is needed around
// the map and nothing is shared between transports.
//
// # Session Lifecycle
//
//  1. ShellOpen for id X: rejected if X is live or already opening. Otherwise
//     the channel is opened on a separate goroutine (opens are serialized per
//     connection), then registered and acknowledged with {open: X}.
//  2. Output read from the channel is pushed as {event:{shell:{id, data}}} by
//     the session's reader goroutine, in the order it was produced.
//  3. ShellClose asks the channel to end. The session stays registered until
//     its reader sees the end of the output, so nothing in flight is lost,
//     then {event:{shell:{id, close:{}}}} is pushed. A close for an id still
//     being opened is remembered and applied once the open completes.
//  4. When the remote connection ends, every session is force-closed without
//     per-id close events and no further events are emitted.
//
// Input for a session is queued in an unbounded FIFO drained by its own
// writer goroutine, so a shell that stops reading stdin never stalls the
// actor or its siblings.
//
// # Log Prefixes
//
// Multiplexer operations log at the [shellmux] prefix.
package shellmux
