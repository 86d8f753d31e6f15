// Package instrumentation wires OpenTelemetry metrics and traces through the
// authorization server. Every recording helper is nil-safe and the whole
// stack collapses to no-ops when disabled, so call sites never guard their
// telemetry.
//
// The library does not configure exporters; embedding applications install
// their own providers through the standard otel SDK setup.
package instrumentation
