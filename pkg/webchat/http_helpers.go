package webchat

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/chatrelay/pkg/eventbus"
	"github.com/go-go-golems/chatrelay/pkg/metrics"
	"github.com/go-go-golems/chatrelay/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatrelay/pkg/relay"
)

const (
	DefaultUserHeader     = "X-User-ID"
	DefaultRequestTimeout = 120 * time.Second
)

// RequestResolutionError carries the status and client-facing message for a rejected request.
type RequestResolutionError struct {
	Status    int
	ClientMsg string
	Err       error
}

func (e *RequestResolutionError) Error() string {
	if e.Err != nil {
		return e.ClientMsg + ": " + e.Err.Error()
	}
	return e.ClientMsg
}

func (e *RequestResolutionError) Unwrap() error { return e.Err }

// UserResolver maps a request to the id of the user making it.
type UserResolver interface {
	ResolveUser(req *http.Request) (string, error)
}

// HeaderUserResolver trusts an identity header set by an upstream auth proxy.
type HeaderUserResolver struct {
	Header string
}

func (r HeaderUserResolver) ResolveUser(req *http.Request) (string, error) {
	header := r.Header
	if header == "" {
		header = DefaultUserHeader
	}
	userID := strings.TrimSpace(req.Header.Get(header))
	if userID == "" {
		return "", &RequestResolutionError{Status: http.StatusUnauthorized, ClientMsg: "missing " + header}
	}
	return userID, nil
}

type APIConfig struct {
	Chat           *ChatService
	Hub            *StreamHub
	Publisher      relay.EventSink
	Users          UserResolver
	RequestTimeout time.Duration
	Upgrader       websocket.Upgrader
	Logger         zerolog.Logger
}

// API serves the conversation, streaming and websocket endpoints.
type API struct {
	chat      *ChatService
	hub       *StreamHub
	publisher relay.EventSink
	users     UserResolver
	timeout   time.Duration
	upgrader  websocket.Upgrader
	logger    zerolog.Logger
}

func NewAPI(cfg APIConfig) (*API, error) {
	if cfg.Chat == nil {
		return nil, errors.New("api: chat service is nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("api: publisher sink is nil")
	}
	a := &API{
		chat:      cfg.Chat,
		hub:       cfg.Hub,
		publisher: cfg.Publisher,
		users:     cfg.Users,
		timeout:   cfg.RequestTimeout,
		upgrader:  cfg.Upgrader,
		logger:    cfg.Logger.With().Str("component", "api").Logger(),
	}
	if a.users == nil {
		a.users = HeaderUserResolver{}
	}
	if a.timeout <= 0 {
		a.timeout = DefaultRequestTimeout
	}
	return a, nil
}

// Handler mounts every route on a fresh mux and counts responses per route.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations", a.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations", a.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}/messages", a.handleListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", a.handleSendMessage)
	mux.HandleFunc("POST /api/conversations/{id}/stream", a.handleStreamMessage)
	mux.HandleFunc("GET /ws", a.handleWebSocket)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	return countResponses(mux)
}

type createConversationBody struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

func (a *API) handleCreateConversation(w http.ResponseWriter, req *http.Request) {
	userID, ok := a.resolveUser(w, req)
	if !ok {
		return
	}
	var body createConversationBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !stderrors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	store := a.chat.Store()
	ctx := req.Context()
	if _, found, err := store.GetUser(ctx, userID); err == nil && !found {
		if err := store.UpsertUser(ctx, chatstore.UserRecord{UserID: userID, Name: userID}); err != nil {
			a.logger.Warn().Err(err).Str("user_id", userID).Msg("create user failed")
		}
	}
	conv, err := store.CreateConversation(ctx, chatstore.ConversationRecord{
		ConvID: uuid.NewString(),
		UserID: userID,
		Title:  strings.TrimSpace(body.Title),
		Model:  strings.TrimSpace(body.Model),
	})
	if err != nil {
		a.logger.Error().Err(err).Str("user_id", userID).Msg("create conversation failed")
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conversation": conv})
}

func (a *API) handleListConversations(w http.ResponseWriter, req *http.Request) {
	userID, ok := a.resolveUser(w, req)
	if !ok {
		return
	}
	convs, err := a.chat.Store().ListConversations(req.Context(), userID)
	if err != nil {
		a.logger.Error().Err(err).Str("user_id", userID).Msg("list conversations failed")
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (a *API) handleListMessages(w http.ResponseWriter, req *http.Request) {
	userID, ok := a.resolveUser(w, req)
	if !ok {
		return
	}
	conv, err := a.chat.OwnedConversation(req.Context(), req.PathValue("id"), userID)
	if err != nil {
		writeError(w, statusForError(err), clientMessage(err))
		return
	}
	msgs, err := a.chat.Store().ListMessages(req.Context(), conv.ConvID)
	if err != nil {
		a.logger.Error().Err(err).Str("conv_id", conv.ConvID).Msg("list messages failed")
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type sendMessageBody struct {
	Message string `json:"message"`
	Model   string `json:"model"`
}

func (a *API) decodeSend(w http.ResponseWriter, req *http.Request) (StreamRequest, bool) {
	userID, ok := a.resolveUser(w, req)
	if !ok {
		return StreamRequest{}, false
	}
	var body sendMessageBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return StreamRequest{}, false
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return StreamRequest{}, false
	}
	return StreamRequest{
		ConvID:  req.PathValue("id"),
		UserID:  userID,
		Message: body.Message,
		Model:   strings.TrimSpace(body.Model),
	}, true
}

// handleSendMessage relays the reply to the conversation channel and answers once it is done.
func (a *API) handleSendMessage(w http.ResponseWriter, req *http.Request) {
	in, ok := a.decodeSend(w, req)
	if !ok {
		return
	}
	// the guard, not the request context, decides when a client is gone
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), a.timeout)
	defer cancel()

	_, err := a.chat.StreamMessage(ctx, in, Delivery{
		Sink:       a.publisher,
		Disconnect: req.Context().Done(),
	})
	if err != nil {
		writeError(w, statusForError(err), clientMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, "ok")
}

// handleStreamMessage delivers the reply as server-sent events on the response itself.
func (a *API) handleStreamMessage(w http.ResponseWriter, req *http.Request) {
	in, ok := a.decodeSend(w, req)
	if !ok {
		return
	}
	if _, err := a.chat.OwnedConversation(req.Context(), in.ConvID, in.UserID); err != nil {
		writeError(w, statusForError(err), clientMessage(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), a.timeout)
	defer cancel()

	eventbus.PrepareSSE(w)
	sse := eventbus.NewSSESink(w)
	_, err := a.chat.StreamMessage(ctx, in, Delivery{
		Sink:       sse,
		Heartbeat:  sse,
		Disconnect: req.Context().Done(),
	})
	if err != nil {
		// the terminal error event already went out on the stream
		a.logger.Debug().Err(err).Str("conv_id", in.ConvID).Msg("sse stream ended with error")
	}
}

func (a *API) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	if a.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "websocket hub not initialized")
		return
	}
	userID, ok := a.resolveUser(w, req)
	if !ok {
		return
	}
	convID := strings.TrimSpace(req.URL.Query().Get("conv_id"))
	if _, err := a.chat.OwnedConversation(req.Context(), convID, userID); err != nil {
		writeError(w, statusForError(err), clientMessage(err))
		return
	}
	conn, err := a.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	if err := a.hub.AttachWebSocket(req.Context(), convID, conn); err != nil {
		a.logger.Error().Err(err).Str("conv_id", convID).Msg("attach websocket failed")
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"failed to attach websocket"}`))
		_ = conn.Close()
	}
}

func (a *API) resolveUser(w http.ResponseWriter, req *http.Request) (string, bool) {
	userID, err := a.users.ResolveUser(req)
	if err != nil {
		status := http.StatusUnauthorized
		msg := "unauthorized"
		var rre *RequestResolutionError
		if stderrors.As(err, &rre) && rre != nil {
			if rre.Status > 0 {
				status = rre.Status
			}
			if strings.TrimSpace(rre.ClientMsg) != "" {
				msg = rre.ClientMsg
			}
		}
		writeError(w, status, msg)
		return "", false
	}
	return userID, true
}

func statusForError(err error) int {
	switch {
	case stderrors.Is(err, ErrEmptyMessage):
		return http.StatusBadRequest
	case stderrors.Is(err, ErrConversationNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case relay.IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func clientMessage(err error) string {
	switch {
	case stderrors.Is(err, ErrConversationNotFound):
		return ErrConversationNotFound.Error()
	case stderrors.Is(err, ErrForbidden):
		return ErrForbidden.Error()
	}
	var se *relay.StreamError
	if stderrors.As(err, &se) && se.Err != nil {
		return se.Err.Error()
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// countResponses records one metrics sample per request, labelled by the matched route pattern.
func countResponses(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
