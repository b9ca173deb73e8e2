// Package rpc serves a read-only JSON-RPC 2.0 view of the command and
// module registries on POST /api, authenticated with HTTP Basic auth.
package rpc
