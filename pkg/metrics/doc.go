/*
Package metrics exposes the Prometheus collectors for the block-store
peer: collection sync/update timings, storage materialization and
pend/commit timings, cluster coordinator round-trip latency, and named
latch wait time.

Handler returns the promhttp handler for mounting under a peer's debug
HTTP server. Timer provides the start/ObserveDuration pattern used at
every call site that records a histogram.
*/
package metrics
