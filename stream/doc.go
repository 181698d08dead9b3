// Package stream defines the core vocabulary of the StreamSafe delivery
// subsystem: tokens, the per-session token buffer, and the immutable
// per-request facts (RequestContext) and delivery decision (Decision) that
// the policy engine and orchestrator exchange.
//
// Everything in this package is transport-agnostic. The buffer is the single
// source of truth for token ordering within a session: sequence numbers are
// assigned at buffering time, start at zero, and are contiguous.
package stream
