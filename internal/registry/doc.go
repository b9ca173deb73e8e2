// Package registry provides the module registry, the single source of truth
// for which feature modules are currently running.
//
// Each loaded module is represented by one *Record for as long as it stays
// loaded. A reload swaps the instance inside the record instead of
// replacing the record, so anything holding the pointer (the session
// dispatcher, the RPC surface) keeps seeing the live instance.
//
// Module headers are kept in a separate Headers table because their
// lifetime differs: a header is removed before the unload or reload hooks
// run and recreated only after the new instance loaded successfully.
package registry
