// Package notifier queues short private notices to quiz owners.
//
// Notices are best-effort. They go through a bounded queue, a small worker
// pool and a token-bucket limiter, and identical notices inside the dedup
// window are dropped. A full queue rejects the notice instead of blocking
// the caller, so a slow chat never stalls a delivery.
package notifier
