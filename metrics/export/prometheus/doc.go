// Package prometheus exposes a client's counters and latency histograms as a
// prometheus.Collector.
//
// [NewExporter] registers the collector in a private registry and [Exporter.Handler]
// serves it. Counters are named gastosauth_*_total; the two histograms are
// gastosauth_request_latency_seconds and gastosauth_refresh_latency_seconds.
//
// # What this package must NOT do
//
//   - Register in the global Prometheus registry; callers mount the Handler or
//     register the Exporter themselves.
//   - Mutate client state.
package prometheus
