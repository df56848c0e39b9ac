// Package transports defines the boundary between presentation surfaces and
// session contexts.
package transports

import "net/http"

// Transport exposes session contexts to clients over some wire. The
// embedding server mounts it as an HTTP handler and owns the listener.
type Transport interface {
	http.Handler
	Name() string
	// Stop refuses new clients and closes existing connections.
	Stop() error
}

// ReadyReporter allows transports to expose readiness metadata.
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
