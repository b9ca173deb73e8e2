package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidModuleName is returned for names not matching mod_*.
	ErrInvalidModuleName = errors.New("invalid module name")
	// ErrModuleAlreadyLoaded is returned by Load for a registered module.
	ErrModuleAlreadyLoaded = errors.New("module already loaded")
	// ErrModuleNotLoaded is returned by Unload for an unknown module.
	ErrModuleNotLoaded = errors.New("module not loaded")
	// ErrNotImported is returned by Reload when the module's code was
	// never imported.
	ErrNotImported = errors.New("module code not imported, use load instead")
	// ErrMissingCapability is returned when a factory yields no instance.
	ErrMissingCapability = errors.New("module factory returned no instance")
)

// LoadError reports a failed load.
type LoadError struct {
	Module string
	// Stage is the step that failed: import, construct, create_tables or
	// load.
	Stage string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.Module, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ReloadError reports a failed reload.
type ReloadError struct {
	Module string
	// Stage is the step that failed: unload, entry, factory, construct or
	// load.
	Stage string
	Err   error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("reload %s: %s: %v", e.Module, e.Stage, e.Err)
}

func (e *ReloadError) Unwrap() error { return e.Err }
