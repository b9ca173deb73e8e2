// Package plugin defines the contract between the daemon and its feature
// modules, and the host that stands in for a dynamic code loader.
//
// A Go binary cannot re-execute source at runtime, so modules are compiled
// in and described by a Definition: a name, a Factory producing instances
// of the Module interface, and the helper units the module depends on.
// The Host keeps a loaded-code table of those units. "Importing" a module
// loads its units; "reloading" a unit bumps its generation and runs the
// definition's Refresh hook; "evicting" drops the units. A reload of a
// module therefore means building a new instance from the current factory
// and swapping it into the existing registry record.
//
// Units carry dotted names:
//
//	mods.mod_clone.module    entry point (KindEntry)
//	mods.mod_clone.schemas   data definitions (KindSchema)
//	mods.mod_clone.utils     helper (KindShared)
//	mods.mod_clone.utils.dns helper (KindShared)
//	core.config              daemon unit (KindCore)
//
// DependencyReloader walks the shared units of one namespace in reverse
// lexicographic order, which reloads deeper units before their parents.
package plugin
