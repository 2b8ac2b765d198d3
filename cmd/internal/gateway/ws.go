package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "courier/contracts/chat/v1"

	"github.com/coder/websocket"

	"courier/cmd/internal/relay"
)

const (
	wsSubprotocolV1 = "courier.chat.v1"

	// RoomHeader carries the authenticated room identifier, set by the external
	// auth layer in front of this service.
	RoomHeader = "X-Courier-Room"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout     = 5 * time.Second
	wsDefaultReadIdle         = 2 * time.Minute
	wsDefaultHandshakeTimeout = 10 * time.Second
	wsCloseGrace              = 1 * time.Second

	wsMaxPingFailures = 3

	// Origin is required by default and only localhost is allowed, which is
	// secure-by-default for dev. Deployments set the allowlist explicitly.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Publisher appends an inbound chat message to the durable log.
// The relay package provides the production implementation.
type Publisher interface {
	Publish(ctx context.Context, m relay.Message) error
}

// WSGateway is the websocket entrypoint of the relay.
//
// It validates the handshake room, registers connections with the Hub, and
// forwards inbound messages to the Publisher. It never broadcasts locally on
// send: delivery happens exclusively through the relay consumer, so every
// instance observes the same publish-then-deliver behavior.
type WSGateway struct {
	log *slog.Logger
	hub *Hub
	pub Publisher

	originRequired bool
	allowedOrigins []string
	originPatterns []string
	devInsecure    bool

	writeTimeout     time.Duration
	readIdleTimeout  time.Duration
	handshakeTimeout time.Duration
	sendQueueSize    int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	// accepting gates new connections during shutdown.
	mu        sync.Mutex
	accepting bool
}

// NewWSGateway constructs a gateway with secure defaults, configured from env.
func NewWSGateway(log *slog.Logger, hub *Hub, pub Publisher) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &WSGateway{log: log, hub: hub, pub: pub, accepting: true}

	g.devInsecure = envBoolWS("COURIER_WS_DEV_INSECURE", false)
	g.originRequired = envBoolWS("COURIER_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("COURIER_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy: same-host is fine but
	// cross-origin needs OriginPatterns. Derive them from the allowlist so the
	// two layers agree.
	g.originPatterns = originPatternsFromAllowlist(g.allowedOrigins)

	g.writeTimeout = envDurationWS("COURIER_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("COURIER_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.handshakeTimeout = envDurationWS("COURIER_WS_HANDSHAKE_TIMEOUT", wsDefaultHandshakeTimeout)

	g.sendQueueSize = envIntWS("COURIER_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("COURIER_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("COURIER_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("COURIER_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("COURIER_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// Hub exposes the registry for relay wiring and shutdown.
func (g *WSGateway) Hub() *Hub { return g.hub }

// StopAccepting makes the gateway refuse new connections (shutdown phase one).
// Existing connections keep running until Hub.Shutdown.
func (g *WSGateway) StopAccepting() {
	g.mu.Lock()
	g.accepting = false
	g.mu.Unlock()
}

func (g *WSGateway) isAccepting() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepting
}

// ServeHTTP adapter so the gateway mounts as an http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the connection loop until disconnect.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !g.isAccepting() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	room := roomFromRequest(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The room may arrive in the upgrade headers or, failing that, in a hello
	// frame within the handshake timeout. No room, no registration.
	if room == "" {
		room, err = g.awaitHelloRoom(ctx, conn)
		if err != nil {
			g.log.Info("ws.reject.room", "err", err, "remote", r.RemoteAddr)
			_ = conn.Close(websocket.StatusPolicyViolation, "invalid room")
			return
		}
	}

	now := time.Now().UTC()
	sessionID := mustID(now)
	client := NewClient(sessionID, room, g.sendQueueSize)

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(room, sessionID)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	g.hub.Join(client)
	g.log.Info("ws.session.open", "session_id", sessionID, "room", room, "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: sessionID, Room: room})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, ackPayload, now)) {
		shutdown(websocket.StatusAbnormalClosure, "ack failed")
		<-writerDone
		return
	}

	rl := newRateLimiter(g.rateEvents, g.rateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				// Undecodable frames spend rate budget too, or a client could
				// flood garbage without ever tripping the limiter.
				if !rl.allow(time.Now().UTC()) {
					g.trySendError(ctx, client, "rate_limited", "too many events")
					shutdown(websocket.StatusPolicyViolation, "rate limited")
					break readLoop
				}
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			// The session is already bound; a repeated hello is just re-acked.
			p, _ := json.Marshal(v1.HelloAckPayload{SessionID: sessionID, Room: room})
			_ = g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, p, now))

		case v1.TypeMessageSend:
			g.onMessageSend(ctx, client, env, now)

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// onMessageSend validates and publishes one inbound message.
//
// Publish failures are logged and the message is dropped: there is no
// synchronous retry in the client's request path and no special client error,
// keeping behavior identical across instances.
func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope, now time.Time) {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", "invalid payload")
		return
	}

	if len(p.Body) == 0 {
		g.trySendError(ctx, client, "empty_body", "missing body")
		return
	}
	if len(p.Body) > maxBodyBytes {
		g.trySendError(ctx, client, "body_too_large", fmt.Sprintf("max %d bytes", maxBodyBytes))
		return
	}

	m := relay.Message{
		Room:        client.Room,
		ID:          mustID(now),
		Sender:      client.SessionID,
		Body:        p.Body,
		PublishedAt: now,
	}

	if err := g.pub.Publish(ctx, m); err != nil {
		g.log.Warn("ws.publish.drop", "session_id", client.SessionID, "room", client.Room, "msg_id", m.ID, "err", err)
	}
}

// awaitHelloRoom reads exactly one hello envelope and extracts a non-empty room
// from it, bounded by the handshake timeout.
func (g *WSGateway) awaitHelloRoom(ctx context.Context, conn *websocket.Conn) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, g.handshakeTimeout)
	defer cancel()

	env, err := readEnvelope(hctx, conn)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", errors.New("handshake timeout")
		}
		return "", err
	}
	if err := env.Validate(); err != nil {
		return "", err
	}
	if env.Type != v1.TypeHello {
		return "", fmt.Errorf("expected hello, got %s", env.Type)
	}

	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("invalid hello payload: %w", err)
	}

	room := strings.TrimSpace(p.Room)
	if room == "" {
		return "", errors.New("missing room")
	}
	return room, nil
}

// roomFromRequest extracts the room from the auth header or query string.
func roomFromRequest(r *http.Request) string {
	if room := strings.TrimSpace(r.Header.Get(RoomHeader)); room != "" {
		return room
	}
	return strings.TrimSpace(r.URL.Query().Get("room"))
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      mustID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors usually surface from json.Unmarshal, not conn.Read.
	// String fallback for errors propagated without a typed wrapper.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}
		if origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func originPatternsFromAllowlist(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host. Keep it
	// strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
