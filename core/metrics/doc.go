// Package metrics defines the recorder interfaces used to observe the
// dispenser: dispense outcomes, channel lifecycle, outbound traffic and
// inventory. Sinks such as PromSink and InfluxSink live in infra/metrics and
// register themselves by name; NewMetricsSink builds one sink or a MultiSink
// from configuration.
package metrics
