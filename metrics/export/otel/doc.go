// Package otel binds a client's counters and latency histograms to OpenTelemetry
// asynchronous instruments.
//
// [NewExporter] creates an Int64ObservableCounter per counter and an
// Int64ObservableGauge per histogram bucket, then reads
// [gastosauth.Client.MetricsSnapshot] from a single callback on each collection.
//
// # What this package must NOT do
//
//   - Own the MeterProvider; callers supply the Meter.
//   - Mutate client state.
package otel
