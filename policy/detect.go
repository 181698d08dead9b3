package policy

import (
	"net/http"
	"strings"

	"github.com/streamsafe/gateway-go/stream"
)

// Client classification is a substring match against the lowercased
// user-agent, one category at a time; the first category with a hit wins.
var clientMarkers = []struct {
	client  stream.ClientType
	markers []string
}{
	{stream.ClientBrowser, []string{"mozilla", "chrome", "safari", "firefox", "edg/", "opera"}},
	{stream.ClientCLI, []string{"curl", "wget", "httpie", "powershell"}},
	{stream.ClientSDK, []string{"go-http-client", "python-requests", "python-httpx", "okhttp", "axios", "node-fetch", "java/", "sdk"}},
	{stream.ClientMobile, []string{"android", "iphone", "ipad", "dart", "mobile"}},
}

// DetectClientType classifies a caller from its user-agent string.
// Unrecognized or empty agents default to ClientUnknown.
func DetectClientType(userAgent string) stream.ClientType {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return stream.ClientUnknown
	}
	for _, cat := range clientMarkers {
		for _, m := range cat.markers {
			if strings.Contains(ua, m) {
				return cat.client
			}
		}
	}
	return stream.ClientUnknown
}

// Topology detection inspects proxy-identifying headers in priority order:
// API gateway markers beat CDN markers beat load balancer markers beat
// generic forwarding markers. A path with none of them is DIRECT.
var topologyMarkers = []struct {
	topology stream.Topology
	headers  []string
}{
	{stream.TopologyAPIGateway, []string{"X-Amzn-Apigateway-Api-Id", "X-Kong-Request-Id", "X-Envoy-Original-Path", "X-Api-Gateway"}},
	{stream.TopologyCDN, []string{"Cf-Ray", "X-Amz-Cf-Id", "X-Fastly-Request-Id", "X-Akamai-Request-Id", "X-Cdn"}},
	{stream.TopologyLoadBalancer, []string{"X-Amzn-Trace-Id", "X-Azure-Ref", "X-Haproxy-Server-State", "X-Lb"}},
	{stream.TopologyReverseProxy, []string{"Via", "Forwarded", "X-Forwarded-For", "X-Real-Ip"}},
}

// DetectTopology classifies the entry path from request headers.
func DetectTopology(h http.Header) stream.Topology {
	for _, cat := range topologyMarkers {
		for _, name := range cat.headers {
			if h.Get(name) != "" {
				return cat.topology
			}
		}
	}
	return stream.TopologyDirect
}
