// Package rehash reconfigures a running daemon.
//
// Rehash keeps the link up: it reloads the core units, rebuilds the
// configuration, applies whatever can change live and rebuilds every
// loaded module from fresh instances. Restart tears everything down,
// drops the link and brings the daemon back from scratch, keeping the
// persisted module table.
//
// Both flows are best-effort. A failing unit or module is reported and
// the flow moves on; the joined failures are returned once it finished.
package rehash
