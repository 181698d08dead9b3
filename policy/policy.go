// Package policy decides how a response is delivered. Decide and Fallback
// are pure functions over the immutable request context; detection of the
// client type and entry topology from request metadata lives alongside them.
package policy

import "github.com/streamsafe/gateway-go/stream"

// Reason tags surfaced in the X-Delivery-Reason header and observability
// events. They identify the decision rule that fired.
const (
	ReasonNoStreamSupport   = "sync.no_stream_support"
	ReasonBufferingTopology = "async.buffering_topology"
	ReasonDirectCapable     = "sse.direct_capable"
	ReasonFirstByteTimeout  = "fallback.first_byte_timeout"
	ReasonNoDemotion        = "fallback.not_applicable"
)

// Decide maps a request context to a delivery decision. Rules fire in
// priority order:
//
//  1. A client that neither accepts a push-stream content type nor asked to
//     stream gets a blocking synchronous response.
//  2. Topologies known to buffer or sever long-lived connections (CDNs and
//     API gateways) combined with SDK or unclassified clients get a
//     deferred job the client polls by request id.
//  3. Everything else gets a live push stream.
//
// ModeWSPush is never selected here; it belongs to the dedicated
// bidirectional endpoint.
func Decide(rc stream.RequestContext) stream.Decision {
	if !rc.SSESupported && !rc.StreamingRequested {
		return stream.Decision{Mode: stream.ModeSync, Reason: ReasonNoStreamSupport}
	}
	if buffersLongLived(rc.Topology) && (rc.ClientType == stream.ClientSDK || rc.ClientType == stream.ClientUnknown) {
		return stream.Decision{Mode: stream.ModeAsyncJob, Reason: ReasonBufferingTopology}
	}
	return stream.Decision{Mode: stream.ModeSSEDirect, Reason: ReasonDirectCapable}
}

// Fallback deterministically demotes a live push decision to a deferred job
// after the orchestrator's first-byte watchdog fires. It never escalates:
// any decision other than SSE_DIRECT is returned unchanged.
func Fallback(rc stream.RequestContext, prev stream.Decision, cause string) stream.Decision {
	if prev.Mode != stream.ModeSSEDirect {
		return stream.Decision{Mode: prev.Mode, Reason: ReasonNoDemotion}
	}
	reason := ReasonFirstByteTimeout
	if cause != "" {
		reason = "fallback." + cause
	}
	return stream.Decision{Mode: stream.ModeAsyncJob, Reason: reason}
}

func buffersLongLived(t stream.Topology) bool {
	return t == stream.TopologyCDN || t == stream.TopologyAPIGateway
}
