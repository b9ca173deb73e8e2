// Package cli turns the servicesd command line into an app.Config. It owns
// the cobra command definition, validates flag values and maps failures to
// process exit codes through ExitError.
package cli
