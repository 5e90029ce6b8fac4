// Package server hosts the Fiber HTTP control service for the prefetch engine.
// It builds the application, attaches recovery and request-ID middleware, and
// leaves route registration to the routes subpackage so handlers can depend
// on the engine without this package importing it. Keep exports narrow and
// accept explicit dependencies.
package server
