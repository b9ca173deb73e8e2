// Package app wires the daemon together. It owns the active configuration
// and every singleton built from it, and drives startup, the run loop and
// shutdown, decoupled from any specific entrypoint like a CLI.
package app
