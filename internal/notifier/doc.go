// Package notifier delivers operator alerts asynchronously.
//
// An Alert carries a priority, a chat target, text and an optional photo.
// Notify never blocks on the network: alerts go through a bounded queue to a
// worker pool that applies a shared rate limit and retries with jittered
// backoff. Alerts with the same dedup key are suppressed inside the dedup
// window, and the window can be persisted through storage so it survives
// restarts.
//
// Delivery goes through a transport.Adapter, so the detector does not depend
// on a specific chat platform.
package notifier
