// Package longpoll is the HTTP transport for session relays. Clients hold a
// signed session token and alternate GET polls with POSTed messages.
package longpoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pollrelay/go-backend/internal/observability"
	"pollrelay/go-backend/internal/platform/ratelimiter"
	"pollrelay/go-backend/internal/relay"
)

const (
	DefaultAddr            = "127.0.0.1:4000"
	DefaultPollWindow      = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second

	maxBodyBytes = 1 << 20
)

type Config struct {
	Addr               string
	Router             string
	PollWindow         time.Duration
	AllowedOrigins     []string
	ClientLimiter      *ratelimiter.KeyLimiter
	MaxConcurrentPolls int
	MaxPollsPerClient  int
	EnableMetrics      bool
	ShutdownTimeout    time.Duration
	Logger             *slog.Logger
}

type Server struct {
	httpServer      *http.Server
	pool            *relay.Pool
	bus             relay.Bus
	tokens          *TokenCodec
	router          string
	pollWindow      time.Duration
	origins         []string
	limiter         *ratelimiter.KeyLimiter
	polls           *pollLimiter
	shutdownTimeout time.Duration
	log             *slog.Logger
	now             func() time.Time
	refs            atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*session
}

type envelope struct {
	Status   int             `json:"status"`
	Token    string          `json:"token,omitempty"`
	Messages []relay.Message `json:"messages,omitempty"`
}

func NewServer(cfg Config, pool *relay.Pool, bus relay.Bus, tokens *TokenCodec) (*Server, error) {
	switch {
	case pool == nil:
		return nil, errors.New("longpoll: server requires a pool")
	case bus == nil:
		return nil, errors.New("longpoll: server requires a bus")
	case tokens == nil:
		return nil, errors.New("longpoll: server requires a token codec")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	window := cfg.PollWindow
	if window <= 0 {
		window = DefaultPollWindow
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	mux := http.NewServeMux()
	s := &Server{
		pool:            pool,
		bus:             bus,
		tokens:          tokens,
		router:          cfg.Router,
		pollWindow:      window,
		origins:         cfg.AllowedOrigins,
		limiter:         cfg.ClientLimiter,
		polls:           newPollLimiter(cfg.MaxConcurrentPolls, cfg.MaxPollsPerClient),
		shutdownTimeout: shutdownTimeout,
		log:             log.With("component", "longpoll"),
		now:             time.Now,
		sessions:        make(map[string]*session),
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/longpoll", s.handleLongPoll)
	if cfg.EnableMetrics {
		mux.Handle("/metrics", observability.Handler())
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.instrument(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler exposes the routed handler, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	s.log.Info("long-poll transport listening", "addr", s.httpServer.Addr, "poll_window", s.pollWindow)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.detachAll()
		return <-errCh
	case err := <-errCh:
		s.detachAll()
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.pool.Len(),
		"polls":    s.polls.inFlight(),
	})
}

func (s *Server) handleLongPoll(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	token := r.URL.Query().Get("token")
	sessionID, err := s.tokens.Verify(token)
	if err != nil {
		sessionID = ""
	}
	key := clientKey(r, sessionID)
	if !s.limiter.Allow(key, s.now()) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.poll(w, r, key, sessionID, token)
	case http.MethodPost:
		s.publish(w, r, sessionID, token)
	case http.MethodDelete:
		s.close(w, r, sessionID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// poll answers with buffered messages, 204 after an empty window, or 410
// and a fresh token when the session does not exist.
func (s *Server) poll(w http.ResponseWriter, r *http.Request, key, sessionID, token string) {
	ctx := r.Context()
	sess, err := s.resume(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.newSession(w, r)
		return
	}

	release, ok := s.polls.acquire(key)
	if !ok {
		http.Error(w, "too many concurrent polls", http.StatusTooManyRequests)
		return
	}
	defer release()

	if raw := strings.TrimSpace(r.URL.Query().Get("ack")); raw != "" {
		count, err := strconv.Atoi(raw)
		if err != nil || count < 0 {
			http.Error(w, "invalid ack", http.StatusBadRequest)
			return
		}
		if _, err := sess.call(ctx, relay.Request{Op: relay.OpAck, Ref: s.nextRef(), Count: count}, s.pollWindow); err != nil {
			s.callFailed(w, r, err)
			return
		}
	}

	n, err := sess.call(ctx, relay.Request{Op: relay.OpFlush, Ref: s.nextRef()}, s.pollWindow)
	switch {
	case errors.Is(err, errAnswerTimeout):
		writeEnvelope(w, envelope{Status: http.StatusNoContent, Token: token})
	case err != nil:
		s.callFailed(w, r, err)
	default:
		writeEnvelope(w, envelope{Status: http.StatusOK, Token: token, Messages: n.Messages})
	}
}

// publish dispatches each posted message and reports 401 if any of them
// was rejected.
func (s *Server) publish(w http.ResponseWriter, r *http.Request, sessionID, token string) {
	ctx := r.Context()
	sess, err := s.live(sessionID)
	if err != nil {
		writeEnvelope(w, envelope{Status: http.StatusGone})
		return
	}

	msgs, err := decodeMessages(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	failed := false
	for _, msg := range msgs {
		n, err := sess.call(ctx, relay.Request{Op: relay.OpDispatch, Ref: s.nextRef(), Message: msg}, s.pollWindow)
		switch {
		case errors.Is(err, relay.ErrSessionGone):
			writeEnvelope(w, envelope{Status: http.StatusGone})
			return
		case ctx.Err() != nil:
			return
		case err != nil:
			s.log.Warn("dispatch not answered", "session_id", sessionID, "topic", msg.Topic, "error", err)
			failed = true
		case n.Kind == relay.NotifyError:
			s.log.Debug("dispatch rejected", "session_id", sessionID, "topic", msg.Topic, "reason", n.Reason)
			failed = true
		}
	}
	if failed {
		writeEnvelope(w, envelope{Status: http.StatusUnauthorized, Token: token})
		return
	}
	writeEnvelope(w, envelope{Status: http.StatusOK, Token: token})
}

func (s *Server) close(w http.ResponseWriter, r *http.Request, sessionID string) {
	if sessionID != "" {
		if err := s.pool.Stop(r.Context(), sessionID); err != nil && !errors.Is(err, relay.ErrSessionNotFound) {
			s.log.Warn("session stop failed", "session_id", sessionID, "error", err)
		}
	}
	writeEnvelope(w, envelope{Status: http.StatusOK})
}

// resume attaches a poll to the session with a subscribe round trip. The
// subscribe takes over the relay's pending poll, so only polls use it.
func (s *Server) resume(ctx context.Context, sessionID string) (*session, error) {
	sess, err := s.live(sessionID)
	if err != nil {
		return nil, err
	}
	n, err := sess.call(ctx, relay.Request{Op: relay.OpSubscribe, Ref: s.nextRef()}, s.pollWindow)
	if err != nil {
		return nil, err
	}
	if n.Kind != relay.NotifyOK {
		return nil, fmt.Errorf("longpoll: unexpected subscribe answer %q", n.Kind)
	}
	return sess, nil
}

// live returns the session if its relay is still running. It leaves any
// parked poll untouched.
func (s *Server) live(sessionID string) (*session, error) {
	if sessionID == "" {
		return nil, relay.ErrSessionNotFound
	}
	sess, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	select {
	case <-sess.relay.Done():
		return nil, relay.ErrSessionGone
	default:
	}
	return sess, nil
}

func (s *Server) lookup(sessionID string) (*session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if ok {
		return sess, nil
	}
	r, ok := s.pool.Lookup(sessionID)
	if !ok {
		return nil, relay.ErrSessionNotFound
	}
	return s.track(r)
}

func (s *Server) newSession(w http.ResponseWriter, r *http.Request) {
	rl, err := s.pool.StartSession(r.Context(), s.router, s.pollWindow)
	if err != nil {
		if errors.Is(err, relay.ErrPoolExhausted) || errors.Is(err, relay.ErrPoolClosed) {
			http.Error(w, "session capacity exhausted", http.StatusServiceUnavailable)
			return
		}
		s.log.Error("session start failed", "error", err)
		http.Error(w, "session start failed", http.StatusInternalServerError)
		return
	}
	if _, err := s.track(rl); err != nil {
		s.log.Error("session attach failed", "session_id", rl.ID(), "error", err)
		_ = rl.Stop(r.Context())
		http.Error(w, "session start failed", http.StatusInternalServerError)
		return
	}
	token, err := s.tokens.Sign(rl.ID())
	if err != nil {
		_ = rl.Stop(r.Context())
		http.Error(w, "session start failed", http.StatusInternalServerError)
		return
	}
	s.log.Debug("session opened", "session_id", rl.ID())
	writeEnvelope(w, envelope{Status: http.StatusGone, Token: token})
}

// track attaches the transport to r's private topic until r exits.
func (s *Server) track(r *relay.Relay) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[r.ID()]; ok {
		return sess, nil
	}
	sess, err := attachSession(s.bus, r)
	if err != nil {
		return nil, err
	}
	s.sessions[r.ID()] = sess
	go func() {
		<-r.Done()
		sess.detach()
		s.limiter.Forget(clientKey(nil, r.ID()))
		s.mu.Lock()
		if s.sessions[r.ID()] == sess {
			delete(s.sessions, r.ID())
		}
		s.mu.Unlock()
	}()
	return sess, nil
}

func (s *Server) detachAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.detach()
		delete(s.sessions, id)
	}
}

// callFailed maps a relay round-trip error onto the response.
func (s *Server) callFailed(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case r.Context().Err() != nil:
	case errors.Is(err, relay.ErrSessionGone):
		s.newSession(w, r)
	default:
		s.log.Warn("relay round trip failed", "error", err)
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
	}
}

func (s *Server) nextRef() string {
	return strconv.FormatUint(s.refs.Add(1), 10)
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !s.isAllowedOrigin(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
	return true
}

// isAllowedOrigin accepts configured origins ("*" for any); with none
// configured only loopback origins pass.
func (s *Server) isAllowedOrigin(raw string) bool {
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), raw) {
			return true
		}
	}
	if len(s.origins) > 0 {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func decodeMessages(body io.Reader) ([]relay.Message, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, errors.New("empty body")
	}
	var msgs []relay.Message
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &msgs); err != nil {
			return nil, fmt.Errorf("invalid messages: %w", err)
		}
	} else {
		var msg relay.Message
		if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
			return nil, fmt.Errorf("invalid message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	for _, msg := range msgs {
		if strings.TrimSpace(msg.Topic) == "" || strings.TrimSpace(msg.Event) == "" {
			return nil, errors.New("message topic and event are required")
		}
	}
	return msgs, nil
}

func writeEnvelope(w http.ResponseWriter, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(env)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		observability.RecordHTTPRequest(r.Method, rec.status, time.Since(start))
	})
}
