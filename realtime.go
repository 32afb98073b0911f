package rentsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

// Server to client envelope types.
const (
	rtAuthenticated  = "authenticated"
	rtSubscribed     = "subscribed"
	rtSubscribeError = "subscribe.error"
	rtChange         = "change"
	rtPong           = "pong"
	rtError          = "error"
)

// RealtimeEnvelope is the wire format for every message in both directions.
type RealtimeEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// AuthenticatedPayload is the first message on a new connection.
type AuthenticatedPayload struct {
	UserID string `json:"userId,omitempty"`
}

type subscribePayload struct {
	Table string `json:"table"`
	SubscribeOptions
}

type subscribedPayload struct {
	RequestID      string `json:"requestId"`
	SubscriptionID string `json:"subscriptionId"`
	Message        string `json:"message,omitempty"`
}

type changePayload struct {
	SubscriptionID string      `json:"subscriptionId"`
	Event          ChangeEvent `json:"event"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Message        string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	// URL is the backend base URL; the socket lives at /realtime/v1/websocket.
	URL    string
	APIKey string
	// Token returns the current access token, if any, at dial time.
	Token func() string

	// AutoReconnect redials after an unexpected disconnect and restores
	// open subscriptions. Off by default: lost pushes are covered by the
	// fallback poller.
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	RequestTimeout       time.Duration
	EventBuffer          int
	HTTPClient           *http.Client
	Logger               logrus.FieldLogger
}

func (c *RealtimeConfig) defaults() {
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
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

var errNotConnected = errors.New("realtime: not connected")

// ============================================================================
// Connection events
// ============================================================================

type connEvents struct {
	mu             sync.RWMutex
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func (d *connEvents) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *connEvents) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (d *connEvents) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
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

func newReconnector(config *RealtimeConfig) *reconnector {
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

// nextDelay forgets earlier failures once a connection stayed up a minute.
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

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a Subscriber over a websocket change feed. One
// connection carries every subscription; it is dialed on first Subscribe.
type RealtimeClient struct {
	config *RealtimeConfig
	log    logrus.FieldLogger
	events connEvents
	recon  *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	subs             map[string]*rtSubscription // by server subscription id

	pendingMu sync.Mutex
	pending   map[string]chan RealtimeEnvelope
}

var _ Subscriber = (*RealtimeClient)(nil)

// NewRealtimeClient creates a disconnected client.
func NewRealtimeClient(config RealtimeConfig) *RealtimeClient {
	config.defaults()
	return &RealtimeClient{
		config:  &config,
		log:     config.Logger,
		recon:   newReconnector(&config),
		state:   StateDisconnected,
		subs:    make(map[string]*rtSubscription),
		pending: make(map[string]chan RealtimeEnvelope),
	}
}

// OnConnected registers a handler for successful dials.
func (rc *RealtimeClient) OnConnected(h func()) {
	rc.events.mu.Lock()
	rc.events.onConnected = append(rc.events.onConnected, h)
	rc.events.mu.Unlock()
}

// OnDisconnected registers a handler for lost connections.
func (rc *RealtimeClient) OnDisconnected(h func(reason string)) {
	rc.events.mu.Lock()
	rc.events.onDisconnected = append(rc.events.onDisconnected, h)
	rc.events.mu.Unlock()
}

// OnReconnecting registers a handler called before each redial.
func (rc *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rc.events.mu.Lock()
	rc.events.onReconnecting = append(rc.events.onReconnecting, h)
	rc.events.mu.Unlock()
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

func (rc *RealtimeClient) socketURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(rc.config.URL, "/") + "/realtime/v1/websocket")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	if rc.config.APIKey != "" {
		q.Set("apikey", rc.config.APIKey)
	}
	if rc.config.Token != nil {
		if tok := rc.config.Token(); tok != "" {
			q.Set("token", tok)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the feed and waits for the authenticated greeting.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == StateConnected || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.intentionalClose = false
	rc.mu.Unlock()

	conn, err := rc.dial(ctx)
	if err != nil {
		rc.mu.Lock()
		rc.state = StateDisconnected
		rc.mu.Unlock()
		return err
	}

	// the connection outlives the dial context
	connCtx, cancel := context.WithCancel(context.Background())
	rc.mu.Lock()
	rc.conn = conn
	rc.state = StateConnected
	rc.cancelFn = cancel
	rc.mu.Unlock()
	rc.recon.markConnected()
	rc.events.emitConnected()

	go rc.readLoop(connCtx, conn)
	go rc.heartbeatLoop(connCtx)
	return nil
}

func (rc *RealtimeClient) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := rc.socketURL()
	if err != nil {
		return nil, fmt.Errorf("realtime url: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: rc.config.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != rtAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected '%s', got '%s'", rtAuthenticated, env.Type)
	}
	return conn, nil
}

// Disconnect closes the connection. Open subscriptions are closed too.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = StateDisconnected
	subs := rc.subs
	rc.subs = make(map[string]*rtSubscription)
	rc.mu.Unlock()

	rc.clearPending()
	for _, s := range subs {
		s.finish()
	}
	rc.recon.reset()

	rc.events.emitDisconnected("client disconnect")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe opens a change stream for table, dialing first if needed.
func (rc *RealtimeClient) Subscribe(ctx context.Context, table string, opts SubscribeOptions) (Subscription, error) {
	if err := rc.Connect(ctx); err != nil {
		return nil, err
	}
	s := &rtSubscription{
		client: rc,
		table:  table,
		opts:   opts,
		events: make(chan ChangeEvent, rc.config.EventBuffer),
		errs:   make(chan error, 4),
		done:   make(chan struct{}),
	}
	if err := rc.register(ctx, s); err != nil {
		return nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// register asks the server for a subscription id and files s under it.
func (rc *RealtimeClient) register(ctx context.Context, s *rtSubscription) error {
	reply, err := rc.request(ctx, "subscribe", subscribePayload{Table: s.table, SubscribeOptions: s.opts})
	if err != nil {
		return err
	}
	var ack subscribedPayload
	if err := json.Unmarshal(reply.Payload, &ack); err != nil {
		return fmt.Errorf("decode subscribe reply: %w", err)
	}
	if reply.Type == rtSubscribeError {
		return fmt.Errorf("subscribe %s rejected: %s", s.table, ack.Message)
	}
	s.mu.Lock()
	s.id = ack.SubscriptionID
	s.mu.Unlock()

	rc.mu.Lock()
	rc.subs[ack.SubscriptionID] = s
	rc.mu.Unlock()
	rc.log.WithField("table", s.table).WithField("subscription", ack.SubscriptionID).Debug("realtime subscribed")
	return nil
}

func (rc *RealtimeClient) unsubscribe(s *rtSubscription) error {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	rc.mu.Lock()
	delete(rc.subs, id)
	rc.mu.Unlock()
	if id == "" || rc.State() != StateConnected {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), rc.config.RequestTimeout)
	defer cancel()
	return rc.send(ctx, &RealtimeEnvelope{Type: "unsubscribe", Payload: mustJSON(map[string]string{"subscriptionId": id})})
}

// Ping sends a ping and waits for the pong.
func (rc *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	reply, err := rc.request(ctx, "ping", nil)
	if err != nil {
		return nil, err
	}
	return &PongPayload{RequestID: reply.RequestID}, nil
}

// request sends a command carrying a fresh request id and waits for the
// reply with the same id.
func (rc *RealtimeClient) request(ctx context.Context, typ string, payload any) (RealtimeEnvelope, error) {
	requestID := uuid.NewString()
	ch := make(chan RealtimeEnvelope, 1)
	rc.pendingMu.Lock()
	rc.pending[requestID] = ch
	rc.pendingMu.Unlock()
	defer func() {
		rc.pendingMu.Lock()
		delete(rc.pending, requestID)
		rc.pendingMu.Unlock()
	}()

	env := &RealtimeEnvelope{Type: typ, RequestID: requestID}
	if payload != nil {
		env.Payload = mustJSON(payload)
	}
	if err := rc.send(ctx, env); err != nil {
		return RealtimeEnvelope{}, err
	}

	timer := time.NewTimer(rc.config.RequestTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return RealtimeEnvelope{}, errNotConnected
		}
		return reply, nil
	case <-timer.C:
		return RealtimeEnvelope{}, fmt.Errorf("%s timeout", typ)
	case <-ctx.Done():
		return RealtimeEnvelope{}, ctx.Err()
	}
}

func (rc *RealtimeClient) send(ctx context.Context, env *RealtimeEnvelope) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.connectionLost(err)
			return
		}
		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rc.route(env)
	}
}

func (rc *RealtimeClient) route(env RealtimeEnvelope) {
	switch env.Type {
	case rtSubscribed, rtSubscribeError, rtPong:
		id := env.RequestID
		if id == "" {
			var p subscribedPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				id = p.RequestID
			}
		}
		rc.pendingMu.Lock()
		ch, ok := rc.pending[id]
		delete(rc.pending, id)
		rc.pendingMu.Unlock()
		if ok {
			ch <- env
		}

	case rtChange:
		var p changePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			rc.log.WithError(err).Debug("undecodable change")
			return
		}
		rc.mu.Lock()
		s := rc.subs[p.SubscriptionID]
		rc.mu.Unlock()
		if s == nil {
			return
		}
		if p.Event.Table == "" {
			p.Event.Table = s.table
		}
		s.deliver(p.Event)

	case rtError:
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		err := errors.New("realtime: " + p.Message)
		rc.mu.Lock()
		var targets []*rtSubscription
		for id, s := range rc.subs {
			if p.SubscriptionID == "" || p.SubscriptionID == id {
				targets = append(targets, s)
			}
		}
		rc.mu.Unlock()
		for _, s := range targets {
			s.fail(err)
		}
	}
}

// connectionLost reports the failure to every subscription and redials
// when AutoReconnect is on.
func (rc *RealtimeClient) connectionLost(cause error) {
	rc.mu.Lock()
	if rc.intentionalClose {
		rc.mu.Unlock()
		return
	}
	rc.state = StateDisconnected
	rc.conn = nil
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	subs := make([]*rtSubscription, 0, len(rc.subs))
	for _, s := range rc.subs {
		subs = append(subs, s)
	}
	rc.subs = make(map[string]*rtSubscription)
	rc.mu.Unlock()

	rc.clearPending()
	rc.events.emitDisconnected(cause.Error())
	err := fmt.Errorf("realtime connection lost: %w", cause)
	for _, s := range subs {
		s.fail(err)
	}

	if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
		rc.scheduleReconnect(subs)
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rc.State() != StateConnected {
				return
			}
			if _, err := rc.Ping(ctx); err != nil {
				rc.mu.Lock()
				conn := rc.conn
				rc.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// scheduleReconnect redials with backoff and re-registers subs.
func (rc *RealtimeClient) scheduleReconnect(subs []*rtSubscription) {
	for rc.recon.shouldReconnect() {
		delay := rc.recon.nextDelay()
		rc.mu.Lock()
		if rc.intentionalClose {
			rc.mu.Unlock()
			return
		}
		rc.state = StateReconnecting
		rc.mu.Unlock()
		rc.events.emitReconnecting(rc.recon.attempt, delay)
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), rc.config.RequestTimeout)
		err := rc.Connect(ctx)
		cancel()
		if err != nil {
			rc.log.WithError(err).WithField("attempt", rc.recon.attempt).Warn("realtime reconnect failed")
			continue
		}
		for _, s := range subs {
			if s.closed() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), rc.config.RequestTimeout)
			if err := rc.register(ctx, s); err != nil {
				s.fail(err)
			}
			cancel()
		}
		return
	}
	rc.mu.Lock()
	rc.state = StateDisconnected
	rc.mu.Unlock()
}

func (rc *RealtimeClient) clearPending() {
	rc.pendingMu.Lock()
	for k, ch := range rc.pending {
		close(ch)
		delete(rc.pending, k)
	}
	rc.pendingMu.Unlock()
}

// ============================================================================
// Subscription
// ============================================================================

type rtSubscription struct {
	client *RealtimeClient
	table  string
	opts   SubscribeOptions
	events chan ChangeEvent
	errs   chan error

	mu       sync.Mutex
	id       string
	done     chan struct{}
	isClosed bool
}

func (s *rtSubscription) Events() <-chan ChangeEvent { return s.events }
func (s *rtSubscription) Errors() <-chan error       { return s.errs }

func (s *rtSubscription) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isClosed
}

// deliver drops the event when the reader is behind.
func (s *rtSubscription) deliver(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed || !s.opts.accepts(ev) {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.client.log.WithField("table", s.table).Debug("realtime event dropped")
	}
}

func (s *rtSubscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

// finish closes the channels without talking to the server.
func (s *rtSubscription) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return
	}
	s.isClosed = true
	close(s.done)
	close(s.events)
	close(s.errs)
}

func (s *rtSubscription) Close() error {
	if s.closed() {
		return nil
	}
	err := s.client.unsubscribe(s)
	s.finish()
	return err
}
