// Package infra contains technical adapters: channel transports, the
// simulated gate driver, metrics sinks, the outbound journal and host
// diagnostics. These packages depend only on the interfaces defined in the
// core packages.
package infra
