package policy

import (
	"testing"

	"github.com/streamsafe/gateway-go/stream"
)

func TestDecide(t *testing.T) {
	cases := []struct {
		name       string
		rc         stream.RequestContext
		wantMode   stream.Mode
		wantReason string
	}{
		{
			name:       "sdk behind cdn prefers async job",
			rc:         stream.RequestContext{ClientType: stream.ClientSDK, Topology: stream.TopologyCDN, StreamingRequested: true, SSESupported: true},
			wantMode:   stream.ModeAsyncJob,
			wantReason: ReasonBufferingTopology,
		},
		{
			name:       "browser on direct path streams live",
			rc:         stream.RequestContext{ClientType: stream.ClientBrowser, Topology: stream.TopologyDirect, SSESupported: true},
			wantMode:   stream.ModeSSEDirect,
			wantReason: ReasonDirectCapable,
		},
		{
			name:       "no sse support and no streaming request falls to sync",
			rc:         stream.RequestContext{ClientType: stream.ClientCLI, Topology: stream.TopologyDirect},
			wantMode:   stream.ModeSync,
			wantReason: ReasonNoStreamSupport,
		},
		{
			name:       "sync rule beats topology rule",
			rc:         stream.RequestContext{ClientType: stream.ClientSDK, Topology: stream.TopologyCDN},
			wantMode:   stream.ModeSync,
			wantReason: ReasonNoStreamSupport,
		},
		{
			name:     "unknown client behind api gateway defers",
			rc:       stream.RequestContext{ClientType: stream.ClientUnknown, Topology: stream.TopologyAPIGateway, StreamingRequested: true},
			wantMode: stream.ModeAsyncJob,
		},
		{
			name:     "browser behind cdn still streams live",
			rc:       stream.RequestContext{ClientType: stream.ClientBrowser, Topology: stream.TopologyCDN, SSESupported: true},
			wantMode: stream.ModeSSEDirect,
		},
		{
			name:     "sdk behind load balancer streams live",
			rc:       stream.RequestContext{ClientType: stream.ClientSDK, Topology: stream.TopologyLoadBalancer, SSESupported: true},
			wantMode: stream.ModeSSEDirect,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Decide(tc.rc)
			if got.Mode != tc.wantMode {
				t.Fatalf("mode = %q, want %q", got.Mode, tc.wantMode)
			}
			if tc.wantReason != "" && got.Reason != tc.wantReason {
				t.Fatalf("reason = %q, want %q", got.Reason, tc.wantReason)
			}
			if got.Mode == stream.ModeWSPush {
				t.Fatal("Decide must never select ws_push")
			}
		})
	}
}

func TestFallbackDemotesOnlySSE(t *testing.T) {
	rc := stream.RequestContext{ClientType: stream.ClientBrowser, Topology: stream.TopologyDirect}

	got := Fallback(rc, stream.Decision{Mode: stream.ModeSSEDirect, Reason: ReasonDirectCapable}, "first_byte_timeout")
	if got.Mode != stream.ModeAsyncJob {
		t.Fatalf("sse fallback mode = %q, want async_job", got.Mode)
	}
	if got.Reason != ReasonFirstByteTimeout {
		t.Fatalf("sse fallback reason = %q", got.Reason)
	}

	for _, mode := range []stream.Mode{stream.ModeAsyncJob, stream.ModeSync} {
		got := Fallback(rc, stream.Decision{Mode: mode}, "first_byte_timeout")
		if got.Mode != mode {
			t.Fatalf("fallback escalated %q to %q", mode, got.Mode)
		}
	}
}

func TestFallbackIsDeterministic(t *testing.T) {
	rc := stream.RequestContext{ClientType: stream.ClientSDK, Topology: stream.TopologyCDN}
	prev := stream.Decision{Mode: stream.ModeSSEDirect}
	a := Fallback(rc, prev, "first_byte_timeout")
	b := Fallback(rc, prev, "first_byte_timeout")
	if a != b {
		t.Fatalf("fallback not deterministic: %+v vs %+v", a, b)
	}
}
