// Package config defines the format-agnostic configuration model of the
// services daemon, along with the Loader and Source interfaces used to
// build it from files.
//
// The `config.Model` is the single source of truth for the link, the RPC
// listener, persistence and the module defaults. Concrete file formats
// (HCL, YAML) are implemented in separate packages and translate into this
// model.
//
// Besides loading, the package owns the rules the rehash flow applies when
// a configuration is rebuilt at runtime:
//
//   - CarryForward copies the runtime fields that must survive a rehash
//     regardless of file contents (installation id, run counter, negotiated
//     protocol capabilities, core version).
//   - Diff compares two models field by field through their cty
//     representation and reports every changed leaf.
//   - RestoreRestartRequired forces back fields that only take effect on a
//     full restart.
package config
