// Package worker implements the offline worker that fronts the application:
// the process-wide Runtime with its event dispatcher, the Generation Manager
// that keeps exactly one cache generation addressable, the all-or-nothing
// Install Pipeline, the network-first Fetch Interceptor and the Control
// Channel (SKIP_WAITING, CLEAR_CACHE, push and notification clicks).
//
// The package is transport agnostic. Callers adapt HTTP requests into Request
// values, provide a Fetcher for the network and a Clients implementation for
// connected pages, and drive everything through Runtime.Dispatch.
package worker
