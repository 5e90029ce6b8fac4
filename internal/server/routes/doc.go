// Package routes registers the prefetch control API on a Fiber app: blocking
// fetches, background preloads, cancellation, cache removal, budget updates,
// and the /-/status and /-/metrics diagnostics.
package routes
