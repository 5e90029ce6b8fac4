// Package engine is the download coordinator. It maps each cache key to at
// most one in-flight task, fans a single transfer out to every subscriber that
// asks for the same key, populates the cache on success, and retires tasks as
// soon as they finish or lose their last subscriber.
//
// Callbacks for one subscriber are delivered strictly in order (progress with
// non-decreasing byte counts, then exactly one terminal event) and never while
// an engine lock is held, so callbacks may call back into the engine.
package engine
