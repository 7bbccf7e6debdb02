// Package client provides realtime subscription support for Supabase.
package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// Realtime errors
var (
	ErrRealtimeClosed  = errors.New("realtime client closed")
	ErrNotConnected    = errors.New("realtime not connected")
	ErrChannelExists   = errors.New("realtime channel already subscribed")
	ErrMissingTableArg = errors.New("postgres changes table is required")
)

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	// HeartbeatInterval defaults to 30s.
	HeartbeatInterval time.Duration
	// ReconnectMin and ReconnectMax bound the reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// OnError receives connection and join failures. Optional.
	OnError func(err error)
}

// RealtimeClient handles Supabase Realtime subscriptions over one websocket.
// The socket is redialed with backoff when it drops, and every live channel
// is rejoined.
type RealtimeClient struct {
	mu      sync.Mutex
	writeMu sync.Mutex

	url      string
	tokens   TokenSource
	config   RealtimeConfig
	dialer   websocket.Dialer
	conn     *websocket.Conn
	channels map[string]*Channel
	done     chan struct{}
	closed   bool
	started  bool
	ref      uint64
}

// EventHandler handles realtime events. It runs on the socket read loop and
// must hand work off rather than block.
type EventHandler func(event *RealtimeEvent)

// RealtimeEvent represents a decoded postgres change.
type RealtimeEvent struct {
	Topic           string         `json:"topic"`
	Event           string         `json:"event"`
	Type            string         `json:"type"`
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp string         `json:"commit_timestamp,omitempty"`
	Record          map[string]any `json:"record"`
	// RecordID is record.id as sent on the wire, so bigint keys keep
	// every digit.
	RecordID string `json:"-"`
	Raw      []byte `json:"-"`
}

// PostgresChangesConfig configures a postgres changes binding.
type PostgresChangesConfig struct {
	Event  string `json:"event"` // INSERT, UPDATE, DELETE, *
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"` // e.g. "id=eq.1"
}

// Channel represents a joined realtime channel.
type Channel struct {
	client  *RealtimeClient
	topic   string
	changes []PostgresChangesConfig
	handler EventHandler
	joinRef string
	joined  bool

	// rejoining is set while a channel-level rejoin is scheduled; backoff
	// is the wait before the next one and resets on an ok join reply.
	rejoining bool
	backoff   time.Duration
}

// NewRealtimeClient creates a realtime client for the project behind c.
func (c *Client) NewRealtimeClient(cfg RealtimeConfig) *RealtimeClient {
	return NewRealtimeClient(c.baseURL, c.apiKey, c.tokens, cfg)
}

// NewRealtimeClient creates a new realtime client.
func NewRealtimeClient(supabaseURL, apiKey string, tokens TokenSource, cfg RealtimeConfig) *RealtimeClient {
	// Convert HTTP URL to WebSocket URL
	wsURL := strings.TrimSuffix(supabaseURL, "/")
	if strings.HasPrefix(wsURL, "https") {
		wsURL = "wss" + wsURL[5:]
	} else if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[4:]
	}
	wsURL += "/realtime/v1/websocket?apikey=" + apiKey + "&vsn=1.0.0"

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}

	return &RealtimeClient{
		url:      wsURL,
		tokens:   tokens,
		config:   cfg,
		dialer:   websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		channels: make(map[string]*Channel),
		done:     make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection.
func (r *RealtimeClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRealtimeClosed
	}
	if r.conn != nil {
		return nil // Already connected
	}

	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	r.conn = conn
	go r.readLoop(conn)

	if !r.started {
		r.started = true
		go r.heartbeat()
	}

	return nil
}

// Disconnect leaves every channel and closes the WebSocket connection.
// The client cannot be reused afterwards.
func (r *RealtimeClient) Disconnect() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	conn := r.conn
	r.conn = nil
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()

	if conn == nil {
		return nil
	}

	r.writeMu.Lock()
	err := conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	r.writeMu.Unlock()
	conn.Close()

	if err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return nil
}

// SubscribeToPostgresChanges joins channel name ("realtime:<name>" on the
// wire) bound to the given postgres changes and routes them to handler.
func (r *RealtimeClient) SubscribeToPostgresChanges(ctx context.Context, name string, cfg PostgresChangesConfig, handler EventHandler) (*Channel, error) {
	if cfg.Table == "" {
		return nil, ErrMissingTableArg
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Event == "" {
		cfg.Event = "*"
	}

	if err := r.Connect(ctx); err != nil {
		return nil, err
	}

	topic := "realtime:" + name

	r.mu.Lock()
	if _, exists := r.channels[topic]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, topic)
	}
	ch := &Channel{
		client:  r,
		topic:   topic,
		changes: []PostgresChangesConfig{cfg},
		handler: handler,
	}
	r.channels[topic] = ch
	r.mu.Unlock()

	if err := ch.join(); err != nil {
		r.mu.Lock()
		delete(r.channels, topic)
		r.mu.Unlock()
		return nil, err
	}

	return ch, nil
}

// Topic returns the wire topic of the channel.
func (c *Channel) Topic() string {
	return c.topic
}

// SetAuth pushes the current access token from the token source to every
// joined channel. Call it after the session is refreshed so the server
// keeps authorizing the channels past the old token's expiry.
func (r *RealtimeClient) SetAuth() error {
	if r.tokens == nil {
		return nil
	}
	tok := r.tokens.AccessToken()
	if tok == "" {
		return nil
	}

	type target struct{ topic, joinRef, ref string }
	r.mu.Lock()
	targets := make([]target, 0, len(r.channels))
	for _, ch := range r.channels {
		if !ch.joined {
			continue
		}
		r.ref++
		targets = append(targets, target{ch.topic, ch.joinRef, strconv.FormatUint(r.ref, 10)})
	}
	r.mu.Unlock()

	var errs []error
	for _, t := range targets {
		err := r.send(map[string]any{
			"topic":    t.topic,
			"event":    "access_token",
			"payload":  map[string]any{"access_token": tok},
			"ref":      t.ref,
			"join_ref": t.joinRef,
		})
		if err != nil && !errors.Is(err, ErrNotConnected) {
			errs = append(errs, fmt.Errorf("access token %s: %w", t.topic, err))
		}
	}
	return errors.Join(errs...)
}

// Unsubscribe leaves the channel. Calling it again is a no-op.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	r := c.client

	r.mu.Lock()
	if cur, ok := r.channels[c.topic]; !ok || cur != c {
		r.mu.Unlock()
		return nil
	}
	delete(r.channels, c.topic)
	joined := c.joined
	joinRef := c.joinRef
	c.joined = false
	r.ref++
	ref := strconv.FormatUint(r.ref, 10)
	r.mu.Unlock()

	if !joined {
		return nil
	}

	err := r.send(map[string]any{
		"topic":    c.topic,
		"event":    "phx_leave",
		"payload":  map[string]any{},
		"ref":      ref,
		"join_ref": joinRef,
	})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return fmt.Errorf("send leave: %w", err)
	}
	return nil
}

func (c *Channel) join() error {
	r := c.client

	r.mu.Lock()
	r.ref++
	ref := strconv.FormatUint(r.ref, 10)
	c.joinRef = ref
	r.mu.Unlock()

	payload := map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]any{"self": false},
			"presence":         map[string]any{"key": ""},
			"postgres_changes": c.changes,
		},
	}
	if r.tokens != nil {
		if tok := r.tokens.AccessToken(); tok != "" {
			payload["access_token"] = tok
		}
	}

	err := r.send(map[string]any{
		"topic":    c.topic,
		"event":    "phx_join",
		"payload":  payload,
		"ref":      ref,
		"join_ref": ref,
	})
	if err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	r.mu.Lock()
	c.joined = true
	r.mu.Unlock()
	return nil
}

func (c *Channel) accepts(changeType, table string) bool {
	for _, cfg := range c.changes {
		if cfg.Table != "" && table != "" && cfg.Table != table {
			continue
		}
		if cfg.Event == "*" || strings.EqualFold(cfg.Event, changeType) {
			return true
		}
	}
	return false
}

func (r *RealtimeClient) send(msg map[string]any) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (r *RealtimeClient) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			r.handleDisconnect(conn, err)
			return
		}
		r.dispatch(message)
	}
}

func (r *RealtimeClient) dispatch(message []byte) {
	if !gjson.ValidBytes(message) {
		return
	}
	msg := gjson.ParseBytes(message)
	topic := msg.Get("topic").String()
	event := msg.Get("event").String()

	r.mu.Lock()
	ch := r.channels[topic]
	var joinRef string
	if ch != nil {
		joinRef = ch.joinRef
	}
	r.mu.Unlock()
	if ch == nil {
		return
	}

	switch event {
	case "postgres_changes":
		data := msg.Get("payload.data")
		r.deliver(ch, topic, event, data, message)
	case "INSERT", "UPDATE", "DELETE":
		payload := msg.Get("payload")
		r.deliver(ch, topic, event, payload, message)
	case "phx_reply":
		if msg.Get("ref").String() != joinRef {
			return
		}
		if status := msg.Get("payload.status").String(); status != "ok" {
			r.reportError(fmt.Errorf("join %s rejected: %s", topic, msg.Get("payload.response").Raw))
			r.scheduleRejoin(ch)
			return
		}
		r.mu.Lock()
		ch.backoff = 0
		r.mu.Unlock()
	case "phx_error", "phx_close":
		if ref := msg.Get("join_ref").String(); ref != "" && ref != joinRef {
			return
		}
		r.reportError(fmt.Errorf("channel %s: %s", topic, event))
		r.scheduleRejoin(ch)
	}
}

// scheduleRejoin joins ch again after a backoff when the server closed or
// rejected it. Only Unsubscribe or Disconnect stop a channel for good.
func (r *RealtimeClient) scheduleRejoin(ch *Channel) {
	r.mu.Lock()
	if r.closed || r.channels[ch.topic] != ch || ch.rejoining {
		r.mu.Unlock()
		return
	}
	ch.joined = false
	ch.rejoining = true
	delay := ch.backoff
	if delay < r.config.ReconnectMin {
		delay = r.config.ReconnectMin
	}
	ch.backoff = delay * 2
	if ch.backoff > r.config.ReconnectMax {
		ch.backoff = r.config.ReconnectMax
	}
	r.mu.Unlock()

	go func() {
		select {
		case <-r.done:
			return
		case <-time.After(delay):
		}

		r.mu.Lock()
		ch.rejoining = false
		live := !r.closed && r.channels[ch.topic] == ch
		r.mu.Unlock()
		if !live {
			return
		}

		if err := ch.join(); err != nil {
			// Without a socket the reconnect loop rejoins every channel.
			if !errors.Is(err, ErrNotConnected) {
				r.reportError(fmt.Errorf("rejoin %s: %w", ch.topic, err))
				r.scheduleRejoin(ch)
			}
		}
	}()
}

func (r *RealtimeClient) deliver(ch *Channel, topic, event string, data gjson.Result, raw []byte) {
	changeType := data.Get("type").String()
	if changeType == "" {
		changeType = event
	}
	table := data.Get("table").String()
	if !ch.accepts(changeType, table) || ch.handler == nil {
		return
	}

	record, _ := data.Get("record").Value().(map[string]any)
	ch.handler(&RealtimeEvent{
		Topic:           topic,
		Event:           event,
		Type:            strings.ToUpper(changeType),
		Schema:          data.Get("schema").String(),
		Table:           table,
		CommitTimestamp: data.Get("commit_timestamp").String(),
		Record:          record,
		RecordID:        data.Get("record.id").String(),
		Raw:             raw,
	})
}

func (r *RealtimeClient) handleDisconnect(conn *websocket.Conn, cause error) {
	r.mu.Lock()
	if r.closed || r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.mu.Unlock()

	conn.Close()
	r.reportError(fmt.Errorf("websocket read: %w", cause))
	go r.reconnect()
}

func (r *RealtimeClient) reconnect() {
	delay := r.config.ReconnectMin
	for {
		select {
		case <-r.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.dialer.HandshakeTimeout)
		conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
		cancel()
		if err != nil {
			r.reportError(fmt.Errorf("websocket redial: %w", err))
			delay *= 2
			if delay > r.config.ReconnectMax {
				delay = r.config.ReconnectMax
			}
			continue
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			conn.Close()
			return
		}
		r.conn = conn
		channels := make([]*Channel, 0, len(r.channels))
		for _, ch := range r.channels {
			ch.joined = false
			channels = append(channels, ch)
		}
		r.mu.Unlock()

		go r.readLoop(conn)
		for _, ch := range channels {
			if err := ch.join(); err != nil {
				r.reportError(fmt.Errorf("rejoin %s: %w", ch.topic, err))
			}
		}
		return
	}
}

func (r *RealtimeClient) heartbeat() {
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			r.ref++
			ref := strconv.FormatUint(r.ref, 10)
			r.mu.Unlock()
			// A failed heartbeat surfaces through the read loop.
			_ = r.send(map[string]any{
				"topic":   "phoenix",
				"event":   "heartbeat",
				"payload": map[string]any{},
				"ref":     ref,
			})
		}
	}
}

func (r *RealtimeClient) reportError(err error) {
	if r.config.OnError != nil {
		r.config.OnError(err)
	}
}
