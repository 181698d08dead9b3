package stream

import "time"

// Mode identifies how a response is delivered to the client.
type Mode string

const (
	// ModeSSEDirect pushes tokens live over a server-sent event stream.
	ModeSSEDirect Mode = "sse_direct"
	// ModeAsyncJob defers delivery: tokens are buffered server-side and the
	// client polls or resumes by request id.
	ModeAsyncJob Mode = "async_job"
	// ModeSync blocks the caller until the full response is accumulated.
	ModeSync Mode = "sync"
	// ModeWSPush is reserved for the dedicated bidirectional endpoint and is
	// never selected by the generic policy engine.
	ModeWSPush Mode = "ws_push"
)

// ClientType classifies the caller from its user-agent string.
type ClientType string

const (
	ClientBrowser ClientType = "browser"
	ClientCLI     ClientType = "cli"
	ClientSDK     ClientType = "sdk"
	ClientMobile  ClientType = "mobile"
	ClientUnknown ClientType = "unknown"
)

// Topology classifies the network path between the client and this process.
type Topology string

const (
	TopologyDirect       Topology = "direct"
	TopologyAPIGateway   Topology = "api_gateway"
	TopologyCDN          Topology = "cdn"
	TopologyLoadBalancer Topology = "load_balancer"
	TopologyReverseProxy Topology = "reverse_proxy"
)

// RequestContext holds the immutable per-request facts the policy engine
// decides from. It is built once at orchestration start and never mutated.
type RequestContext struct {
	// RequestID is the caller-visible identifier for this request.
	RequestID string
	// ClientType is the detected caller classification.
	ClientType ClientType
	// Topology is the detected entry topology.
	Topology Topology
	// SSESupported reports whether the client advertised acceptance of a
	// push-stream content type.
	SSESupported bool
	// StreamingRequested reports whether the client explicitly asked for a
	// streamed response.
	StreamingRequested bool
	// RequestedMode is a client-supplied mode override, if any. Requesting
	// ModeWSPush through the generic entry point is a policy violation.
	RequestedMode Mode
	// ExpectedLatency is an optional client hint about how long the upstream
	// is expected to take before producing content.
	ExpectedLatency time.Duration
}

// Decision is the policy engine's verdict for one request.
type Decision struct {
	// Mode is the selected delivery mechanism.
	Mode Mode `json:"mode"`
	// Reason is a short machine-readable tag identifying the rule that
	// fired. It is surfaced to the client and to observability sinks.
	Reason string `json:"reason"`
}
