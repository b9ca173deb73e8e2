// Package protocol holds the server-link collaborators: line framing for
// Message, a registry of link dialects selected by name, and the table of
// inbound verbs the session routes to modules.
package protocol
