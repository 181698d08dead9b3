// Package streaminghttp exposes the streaming gateway over HTTP.
//
// The handler owns four routes:
//
//   - POST /stream/chat starts a stream. The request is a JSON-RPC 2.0
//     tools/call envelope; the response shape depends on the delivery mode
//     the policy engine picks, surfaced in the X-Delivery-Mode and
//     X-Delivery-Reason headers. SSE_DIRECT commits a text/event-stream
//     body, ASYNC_JOB answers 202 with a result URL, and SYNC blocks until
//     the full content is available.
//   - GET /stream/result/{requestId} polls a deferred result, or pages its
//     text tokens when a cursor is supplied.
//   - GET /stream/resume/{requestId} replays buffered tokens over a fresh
//     event stream, resuming from the Last-Event-ID the client saw.
//   - GET /stream/status reports the active-session census.
//
// Authentication is pluggable and off by default; supply an Authenticator
// with WithAuthenticator to gate every route.
package streaminghttp
