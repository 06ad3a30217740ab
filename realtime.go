package omnidesk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// Realtime event names carried in the envelope Type field.
const (
	EventMessageNew    = "new_message"
	EventMessageUpdate = "update_message"
)

// MessageEvent is the payload of new_message and update_message events. The
// routing fields (assignee, queue) let the adapter drop events that are not
// relevant to the signed-in agent.
type MessageEvent struct {
	Conversation string  `json:"conversation"`
	Assignee     string  `json:"assignee,omitempty"`
	Queue        string  `json:"queue,omitempty"`
	Message      Message `json:"message"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"request_id"`
}

// Envelope is the wire format for all realtime events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server command (WebSocket only).
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"request_id,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// TransportConfig configures realtime transports.
type TransportConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
}

func (c *TransportConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Transport Abstraction
// ============================================================================

// EventHandler is the generic event callback type.
type EventHandler func(eventType string, payload json.RawMessage)

// Transport is the minimal push-connection abstraction the adapter builds
// on. WebSocket and SSE implementations live behind it; reconnect attempts
// are the transport's responsibility, consumers only react to the
// connected/disconnected lifecycle callbacks.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Join(ctx context.Context, room string) error
	Leave(ctx context.Context, room string) error
	On(eventType string, h EventHandler)
	OnConnected(h func())
	OnDisconnected(h func(code int, reason string))
	OnReconnecting(h func(attempt int, delay time.Duration))
	State() ConnState
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// Handlers run synchronously on the transport's read goroutine; all of the
// adapter's work funnels into the store's own locking. Panics in user
// callbacks are swallowed so a bad handler cannot kill the read loop.
type eventDispatcher struct {
	mu             sync.RWMutex
	generic        map[string][]EventHandler
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]EventHandler),
	}
}

func (d *eventDispatcher) on(eventType string, h EventHandler) {
	d.mu.Lock()
	d.generic[eventType] = append(d.generic[eventType], h)
	d.mu.Unlock()
}

func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	handlers := append([]EventHandler{}, d.generic[env.Type]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(env.Type, env.Payload)
		}()
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h()
		}()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(code, reason)
		}()
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(attempt, delay)
		}()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *TransportConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a WebSocket realtime transport with auto-reconnect and an
// application-level heartbeat. Rooms are joined and left with join/leave
// commands on the socket.
type WSTransport struct {
	baseURL          string
	config           *TransportConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            ConnState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pingCounter      int
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
}

// NewWSTransport creates a WebSocket transport. Call Connect to establish
// the connection.
func NewWSTransport(baseURL string, config *TransportConfig) *WSTransport {
	cfg := *config
	cfg.defaults()
	return &WSTransport{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &cfg,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// On registers a generic event handler.
func (ws *WSTransport) On(eventType string, h EventHandler) {
	ws.dispatcher.on(eventType, h)
}

// OnConnected registers a handler for the connected meta-event.
func (ws *WSTransport) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *WSTransport) OnDisconnected(h func(code int, reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *WSTransport) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *WSTransport) State() ConnState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the WebSocket connection.
func (ws *WSTransport) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + ws.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.cancelFn = cancel
	ws.mu.Unlock()

	go ws.readLoop(connCtx)
	go ws.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (ws *WSTransport) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	ws.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// Join subscribes to a room.
func (ws *WSTransport) Join(ctx context.Context, room string) error {
	return ws.send(ctx, &Command{
		Type:    "join",
		Payload: map[string]string{"room": room},
	})
}

// Leave unsubscribes from a room.
func (ws *WSTransport) Leave(ctx context.Context, room string) error {
	return ws.send(ctx, &Command{
		Type:    "leave",
		Payload: map[string]string{"room": room},
	})
}

// ErrNotConnected is returned when a command is issued on a transport with
// no live connection.
var ErrNotConnected = fmt.Errorf("omnidesk: transport not connected")

func (ws *WSTransport) send(ctx context.Context, cmd *Command) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (ws *WSTransport) Ping(ctx context.Context) (*PongPayload, error) {
	ws.mu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ws.mu.Unlock()

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	err := ws.send(ctx, &Command{
		Type:    "ping",
		Payload: map[string]string{"request_id": requestID},
	})
	if err != nil {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
		return nil, err
	}

	select {
	case pong := <-ch:
		return &pong, nil
	case <-time.After(10 * time.Second):
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (ws *WSTransport) readLoop(ctx context.Context) {
	for {
		ws.mu.Lock()
		conn := ws.conn
		ws.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.conn = nil
			ws.mu.Unlock()

			ws.dispatcher.emitDisconnected(0, err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				go ws.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == "pong" {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		ws.dispatcher.dispatch(env)
	}
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			s := ws.state
			ws.mu.Unlock()
			if s != StateConnected {
				return
			}

			if _, err := ws.Ping(ctx); err != nil {
				// Heartbeat failed; force close so the read loop notices.
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *WSTransport) scheduleReconnect() {
	delay := ws.recon.nextDelay()
	ws.mu.Lock()
	ws.state = StateReconnecting
	ws.mu.Unlock()

	ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)

	time.Sleep(delay)

	ws.mu.Lock()
	ws.state = StateDisconnected
	ws.mu.Unlock()

	if err := ws.Connect(context.Background()); err != nil {
		if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
			ws.scheduleReconnect()
		}
	}
}

func (ws *WSTransport) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

// ============================================================================
// SSETransport
// ============================================================================

// SSETransport is a server-push-only realtime transport over a
// text/event-stream response, with auto-reconnect and a stale-stream
// watchdog. The stream is one-directional, so rooms are joined and left
// through the REST API instead of socket commands.
type SSETransport struct {
	client           *Client
	config           *TransportConfig
	mu               sync.Mutex
	state            ConnState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	lastDataTime     time.Time
}

// NewSSETransport creates an SSE transport bound to the REST client. Call
// Connect to establish the stream.
func NewSSETransport(client *Client, config *TransportConfig) *SSETransport {
	cfg := *config
	cfg.defaults()
	return &SSETransport{
		client:     client,
		config:     &cfg,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// On registers a generic event handler.
func (sse *SSETransport) On(eventType string, h EventHandler) {
	sse.dispatcher.on(eventType, h)
}

// OnConnected registers a handler for the connected meta-event.
func (sse *SSETransport) OnConnected(h func()) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onConnected = append(sse.dispatcher.onConnected, h)
	sse.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (sse *SSETransport) OnDisconnected(h func(code int, reason string)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onDisconnected = append(sse.dispatcher.onDisconnected, h)
	sse.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (sse *SSETransport) OnReconnecting(h func(attempt int, delay time.Duration)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onReconnecting = append(sse.dispatcher.onReconnecting, h)
	sse.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (sse *SSETransport) State() ConnState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

// Connect establishes the SSE stream.
func (sse *SSETransport) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	sse.intentionalClose = false
	sse.mu.Unlock()

	sseURL := sse.client.baseURL + "/sse?token=" + sse.config.Token

	req, err := http.NewRequestWithContext(ctx, "GET", sseURL, nil)
	if err != nil {
		sse.mu.Lock()
		sse.state = StateDisconnected
		sse.mu.Unlock()
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		sse.mu.Lock()
		sse.state = StateDisconnected
		sse.mu.Unlock()
		return fmt.Errorf("SSE connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		sse.mu.Lock()
		sse.state = StateDisconnected
		sse.mu.Unlock()
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	sse.state = StateConnected
	sse.lastDataTime = time.Now()
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	sse.mu.Lock()
	sse.cancelFn = cancel
	sse.mu.Unlock()

	go sse.readLoop(connCtx, resp)
	go sse.heartbeatWatchdog(connCtx)

	return nil
}

// Disconnect closes the SSE stream.
func (sse *SSETransport) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.state = StateDisconnected
	sse.mu.Unlock()

	sse.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// Join subscribes to a room via the REST API.
func (sse *SSETransport) Join(ctx context.Context, room string) error {
	return sse.client.JoinRoom(ctx, room)
}

// Leave unsubscribes from a room via the REST API.
func (sse *SSETransport) Leave(ctx context.Context, room string) error {
	return sse.client.LeaveRoom(ctx, room)
}

func (sse *SSETransport) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}

		if strings.HasPrefix(line, "data: ") {
			jsonStr := strings.TrimPrefix(line, "data: ")
			var env Envelope
			if json.Unmarshal([]byte(jsonStr), &env) == nil {
				sse.dispatcher.dispatch(env)
			}
		}
	}

	sse.mu.Lock()
	intentional := sse.intentionalClose
	sse.mu.Unlock()
	if intentional {
		return
	}

	sse.mu.Lock()
	sse.state = StateDisconnected
	sse.mu.Unlock()
	sse.dispatcher.emitDisconnected(0, "stream ended")

	if sse.config.AutoReconnect && sse.recon.shouldReconnect() {
		sse.scheduleReconnect()
	}
}

func (sse *SSETransport) heartbeatWatchdog(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > 45*time.Second
			cancel := sse.cancelFn
			sse.mu.Unlock()
			if stale {
				if cancel != nil {
					cancel()
				}
				return
			}
		}
	}
}

func (sse *SSETransport) scheduleReconnect() {
	delay := sse.recon.nextDelay()
	sse.mu.Lock()
	sse.state = StateReconnecting
	sse.mu.Unlock()

	sse.dispatcher.emitReconnecting(sse.recon.attempt, delay)

	time.Sleep(delay)

	sse.mu.Lock()
	sse.state = StateDisconnected
	sse.mu.Unlock()

	// The old context is cancelled by now.
	if err := sse.Connect(context.Background()); err != nil {
		if sse.config.AutoReconnect && sse.recon.shouldReconnect() {
			sse.scheduleReconnect()
		}
	}
}
