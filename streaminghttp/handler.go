package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/streamsafe/gateway-go/internal/engine"
	"github.com/streamsafe/gateway-go/internal/jsonrpc"
	"github.com/streamsafe/gateway-go/internal/logctx"
	"github.com/streamsafe/gateway-go/policy"
	"github.com/streamsafe/gateway-go/replay"
	"github.com/streamsafe/gateway-go/session"
	"github.com/streamsafe/gateway-go/stream"
	"github.com/streamsafe/gateway-go/transport"
	"github.com/streamsafe/gateway-go/upstream"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader    = "Last-Event-ID"
	requestIDHeader      = "X-Request-Id"
	deliveryModeHeader   = "X-Delivery-Mode"
	deliveryReasonHeader = "X-Delivery-Reason"
)

// toolCallMethod is the only JSON-RPC method the chat endpoint accepts.
const toolCallMethod = "tools/call"

// Authenticator gates every route when installed. A nil error admits the
// request.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, r *http.Request) error
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before
// a JSON-RPC exchange is possible. Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger *slog.Logger
	auth   Authenticator
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithAuthenticator installs an authenticator in front of every route.
func WithAuthenticator(a Authenticator) Option {
	return func(c *newConfig) { c.auth = a }
}

// Handler serves the gateway's HTTP surface on top of an engine.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	eng       *engine.Engine
	auth      Authenticator
	publicURL *url.URL
}

// New constructs the handler. publicEndpoint is the externally visible base
// URL of the gateway (scheme and host; any path is ignored) and is used to
// build absolute result URLs for deferred jobs.
func New(publicEndpoint string, eng *engine.Engine, opts ...Option) (*Handler, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	base, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid public endpoint %q: %w", publicEndpoint, err)
	}
	if base.Scheme != "https" && base.Scheme != "http" {
		return nil, fmt.Errorf("public endpoint must use HTTP or HTTPS scheme, got %q", base.Scheme)
	}

	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	h := &Handler{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		eng:       eng,
		auth:      cfg.auth,
		publicURL: base,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /stream/chat", h.handleChat)
	mux.HandleFunc("GET /stream/result/{requestId}", h.handleResult)
	mux.HandleFunc("GET /stream/resume/{requestId}", h.handleResume)
	mux.HandleFunc("GET /stream/status", h.handleStatus)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	if h.auth != nil {
		if err := h.auth.CheckAuthentication(ctx, r); err != nil {
			h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
	}
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// chatParams is the params object of a tools/call envelope.
type chatParams struct {
	Tool              string          `json:"tool"`
	Arguments         json.RawMessage `json:"arguments,omitempty"`
	Stream            bool            `json:"stream,omitempty"`
	Mode              string          `json:"mode,omitempty"`
	ExpectedLatencyMs int64           `json:"expectedLatencyMs,omitempty"`
}

// requestContextFor assembles the immutable per-request facts the policy
// engine decides from.
func requestContextFor(r *http.Request, params chatParams) stream.RequestContext {
	requestID := r.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	_, _, sseErr := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	return stream.RequestContext{
		RequestID:          requestID,
		ClientType:         policy.DetectClientType(r.UserAgent()),
		Topology:           policy.DetectTopology(r.Header),
		SSESupported:       sseErr == nil,
		StreamingRequested: params.Stream,
		RequestedMode:      stream.Mode(params.Mode),
		ExpectedLatency:    time.Duration(params.ExpectedLatencyMs) * time.Millisecond,
	}
}

func writeDecisionHeaders(w http.ResponseWriter, requestID string, d stream.Decision) {
	w.Header().Set(requestIDHeader, requestID)
	w.Header().Set(deliveryModeHeader, string(d.Mode))
	w.Header().Set(deliveryReasonHeader, d.Reason)
}

// handleChat starts a stream. The mode decided by the policy engine shapes
// the rest of the exchange: a committed event stream, a 202 with a result
// URL, or a blocking JSON response.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.chat.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		h.writeRPCError(ctx, w, http.StatusBadRequest, req.ID, jsonrpc.ErrorCodeInvalidRequest, err.Error())
		return
	}
	if req.Method != toolCallMethod {
		h.writeRPCError(ctx, w, http.StatusNotFound, req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
		return
	}

	var params chatParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			h.writeRPCError(ctx, w, http.StatusBadRequest, req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params")
			return
		}
	}
	if params.Tool == "" {
		h.writeRPCError(ctx, w, http.StatusBadRequest, req.ID, jsonrpc.ErrorCodeInvalidParams, "tool is required")
		return
	}

	rc := requestContextFor(r, params)
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Tool})

	// For a live push decision the response must commit before the first
	// token flows, so the transport factory writes the event-stream headers.
	committed := false
	res, err := h.eng.StartStream(ctx, rc, upstream.Request{
		RequestID: rc.RequestID,
		Tool:      params.Tool,
		Arguments: params.Arguments,
	}, func(d stream.Decision) (transport.Transport, error) {
		tr, err := transport.NewSSE(ctx, w)
		if err != nil {
			return nil, err
		}
		writeDecisionHeaders(w, rc.RequestID, d)
		w.Header().Set("Content-Type", eventStreamMediaType.String())
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		committed = true
		return tr, nil
	})
	if err != nil {
		h.writeStartError(ctx, w, req.ID, err, committed)
		return
	}

	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{
		SessionID: res.Session.ID(),
		RequestID: rc.RequestID,
		Mode:      string(res.Decision.Mode),
	})

	switch res.Decision.Mode {
	case stream.ModeSSEDirect:
		select {
		case <-res.Session.Done():
		case <-ctx.Done():
			res.Session.Cancel()
		}
		h.log.InfoContext(ctx, "http.chat.ok",
			slog.String("state", string(res.Session.State())),
			slog.Duration("dur", time.Since(start)),
		)

	case stream.ModeAsyncJob:
		writeDecisionHeaders(w, rc.RequestID, res.Decision)
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "accepted",
			"requestId": rc.RequestID,
			"resultUrl": h.resultURL(rc.RequestID),
		})
		h.log.InfoContext(ctx, "http.chat.accepted", slog.Duration("dur", time.Since(start)))

	case stream.ModeSync:
		content, waitErr := res.Sync.Wait(ctx)
		writeDecisionHeaders(w, rc.RequestID, res.Decision)
		if waitErr != nil {
			if errors.Is(waitErr, ctx.Err()) {
				res.Session.Cancel()
			}
			h.writeRPCError(ctx, w, http.StatusOK, req.ID, jsonrpc.ErrorCodeInternalError, waitErr.Error())
			h.log.WarnContext(ctx, "http.chat.sync.fail", slog.String("err", waitErr.Error()))
			return
		}
		resp, err := jsonrpc.NewResultResponse(req.ID, map[string]any{
			"requestId": rc.RequestID,
			"content":   content,
		})
		if err != nil {
			h.writeRPCError(ctx, w, http.StatusInternalServerError, req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode result")
			return
		}
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
		h.log.InfoContext(ctx, "http.chat.ok", slog.Duration("dur", time.Since(start)))
	}
}

// writeStartError maps StartStream failures onto the wire. Nothing can be
// written once the push factory already committed the response.
func (h *Handler) writeStartError(ctx context.Context, w http.ResponseWriter, id *jsonrpc.RequestID, err error, committed bool) {
	if committed {
		h.log.ErrorContext(ctx, "stream.start.fail", slog.String("err", err.Error()))
		return
	}
	switch {
	case errors.Is(err, engine.ErrPolicyViolation):
		h.writeRPCError(ctx, w, http.StatusBadRequest, id, jsonrpc.ErrorCodeInvalidParams, "ws_push is served by the bidirectional endpoint")
	case errors.Is(err, session.ErrDuplicateRequest):
		h.writeRPCError(ctx, w, http.StatusConflict, id, jsonrpc.ErrorCodeInvalidRequest, "request id already active")
	default:
		h.log.ErrorContext(ctx, "stream.start.fail", slog.String("err", err.Error()))
		h.writeRPCError(ctx, w, http.StatusInternalServerError, id, jsonrpc.ErrorCodeInternalError, "failed to start stream")
	}
}

func (h *Handler) writeRPCError(ctx context.Context, w http.ResponseWriter, status int, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(id, code, msg, nil)); err != nil {
		h.log.ErrorContext(ctx, "jsonrpc.error.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) resultURL(requestID string) string {
	u := url.URL{
		Scheme: h.publicURL.Scheme,
		Host:   h.publicURL.Host,
		Path:   "/stream/result/" + requestID,
	}
	return u.String()
}

// resultResponse is the poll answer for a finished or in-flight request.
type resultResponse struct {
	RequestID  string        `json:"requestId"`
	Status     replay.Status `json:"status"`
	Content    string        `json:"content,omitempty"`
	TokenCount int           `json:"tokenCount,omitempty"`
	DurationMs int64         `json:"durationMs,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// handleResult answers result polls. Without a cursor it reports the
// request's status; with one it pages the buffered text tokens.
func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := r.PathValue("requestId")

	q := r.URL.Query()
	if q.Has("cursor") {
		cursor, err := strconv.ParseUint(q.Get("cursor"), 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		limit := 0
		if q.Has("limit") {
			limit, err = strconv.Atoi(q.Get("limit"))
			if err != nil || limit < 0 {
				writeJSONError(w, http.StatusBadRequest, "invalid limit")
				return
			}
		}

		page, err := h.eng.Page(ctx, requestID, cursor, limit)
		if err != nil {
			h.log.ErrorContext(ctx, "result.page.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "failed to read tokens")
			return
		}
		if !page.Found {
			h.log.InfoContext(ctx, "result.miss", slog.String("request_id", requestID))
			writeJSONError(w, http.StatusNotFound, "unknown or expired request id")
			return
		}
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(page)
		return
	}

	result, err := h.eng.Result(ctx, requestID)
	if err != nil {
		h.log.ErrorContext(ctx, "result.load.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to load result")
		return
	}

	status := http.StatusOK
	if result.Status == replay.StatusNotFound {
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resultResponse{
		RequestID:  requestID,
		Status:     result.Status,
		Content:    result.Content,
		TokenCount: result.TokenCount,
		DurationMs: result.Duration.Milliseconds(),
		Error:      result.Error,
	})
}

// handleResume replays buffered tokens over a fresh event stream. The resume
// point comes from the Last-Event-ID header (the highest sequence the client
// saw) or a cursor query parameter; the replay starts one past the header's
// id, at the cursor exactly.
func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := r.PathValue("requestId")

	var fromSeq uint64
	if v := r.Header.Get(lastEventIDHeader); v != "" {
		last, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
			return
		}
		fromSeq = last + 1
	} else if v := r.URL.Query().Get("cursor"); v != "" {
		cursor, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		fromSeq = cursor
	}

	// The event stream commits the status line, so the id must be checked
	// before any token is written.
	result, err := h.eng.Result(ctx, requestID)
	if err != nil {
		h.log.ErrorContext(ctx, "resume.load.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to load request")
		return
	}
	if result.Status == replay.StatusNotFound {
		h.log.InfoContext(ctx, "resume.miss", slog.String("request_id", requestID))
		writeJSONError(w, http.StatusNotFound, "unknown or expired request id")
		return
	}

	tr, err := transport.NewBidi(ctx, w, fromSeq)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "response writer does not support streaming")
		return
	}

	w.Header().Set(requestIDHeader, requestID)
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	count, err := h.eng.Replay(ctx, requestID, fromSeq, tr)
	if err != nil && !errors.Is(err, replay.ErrNotFound) {
		h.log.WarnContext(ctx, "resume.replay.fail",
			slog.String("request_id", requestID),
			slog.Int("delivered", count),
			slog.String("err", err.Error()),
		)
	}
	_ = tr.Close()
	h.log.InfoContext(ctx, "resume.ok",
		slog.String("request_id", requestID),
		slog.Uint64("from", fromSeq),
		slog.Int("delivered", count),
	)
}

// statusResponse is the census document served by /stream/status.
type statusResponse struct {
	engine.StatusReport
	Healthy bool `json:"healthy"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(statusResponse{StatusReport: h.eng.Status(), Healthy: true})
}
