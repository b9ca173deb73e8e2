// Package lifecycle loads, unloads and reloads feature modules at runtime.
//
// A module moves through Unloaded, Loading, Loaded, Unloading and
// Reloading. Every transition is serialized per module name; different
// modules may change state concurrently. Failures never leave a half
// registered module behind: the registry is only written once every hook
// succeeded, and the persisted entry is removed whenever a load or reload
// fails so the next start does not retry a broken module.
//
// Reload keeps the *registry.Record that represents a module and swaps the
// instance inside it, so anything holding the record sees the new code.
package lifecycle
