// Package fetch turns one outbound HTTP GET into a uniform event stream:
// headers, body chunks, progress, and exactly one terminal event (success,
// failure, or cancellation). It knows nothing about caching or fan-out; the
// download coordinator consumes these events through the Listener interface.
package fetch
