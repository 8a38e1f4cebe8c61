// Package session implements the session lifecycle engine.
//
// A Manager owns the full lifecycle of one principal kind's session: login
// against the token authority, one-time bootstrap reconciliation of
// persisted state at process start, a recurring renewal scheduler that
// refreshes the token before it expires, and deterministic logout. Two
// managers (user, company) run side by side and are composed by an
// Aggregator that answers "is anything authenticated" and which kind is
// active.
//
// The manager reconciles three sources of truth that drift independently:
// the authority's answer about a token, the locally cached expiry, and the
// in-memory state. The rules are asymmetric on purpose: an unreachable
// authority never logs anyone out (the local expiry decides, provisionally),
// while an authoritative rejection drives a refresh attempt and, failing
// that, a purge. All state mutations are atomic under the manager's mutex,
// and results of slow network calls are discarded unless the manager still
// holds the token the call started from.
package session
