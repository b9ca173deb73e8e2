// Package commands holds the command registry: the mapping of
// (command name, owning module) to the command's authorization level and
// description.
//
// The registry is consumed by the session dispatcher to route a user
// command to its owning module, by the RPC read surface, and by the rehash
// orchestrator, which snapshots it before tearing it down and restores it
// afterwards.
//
// # Ordering
//
// OrderedByLevel sorts by (level, module) ascending. Command listings and
// authorization displays rely on that order, so it is part of the contract
// rather than a cosmetic detail.
package commands
