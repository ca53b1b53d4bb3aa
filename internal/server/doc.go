// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the origin registry that maps an incoming Host onto the application
// origin or an allow-listed cross origin. It also provides the upstream
// fetcher used as the worker's network, the SSE client hub that stands in
// for browser pages, and the constructor that wires a worker.Runtime from
// configuration. Keep exports narrow and accept explicit dependencies.
package server
