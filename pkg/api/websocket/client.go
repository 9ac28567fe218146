package websocket

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/0xmhha/pingpong-go/pkg/eventbus"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second

	// keepalive pings go out before the peer's read deadline expires
	pingPeriod = pongWait * 9 / 10

	maxFrameSize = 4096
	sendBuffer   = 64
)

// filter decides which outcomes reach a client. The zero value matches nothing.
type filter struct {
	active bool
	all    bool
	types  map[eventbus.OutcomeType]struct{}
	pings  map[common.Hash]struct{}
}

func (f *filter) matches(o *eventbus.Outcome) bool {
	if !f.active {
		return false
	}
	if !f.all {
		if _, ok := f.types[o.Type]; !ok {
			return false
		}
	}
	if len(f.pings) == 0 {
		return true
	}
	_, ok := f.pings[o.PingTxHash]
	return ok
}

func (f *filter) state() FilterState {
	st := FilterState{Active: f.active, Types: []SubscriptionType{}, Pings: []string{}}
	if f.all {
		st.Types = append(st.Types, SubscribeAll)
	}
	for t := range f.types {
		st.Types = append(st.Types, SubscriptionType(t))
	}
	for h := range f.pings {
		st.Pings = append(st.Pings, h.Hex())
	}
	slices.Sort(st.Types)
	slices.Sort(st.Pings)
	return st
}

func parseTypes(in []SubscriptionType) error {
	for _, t := range in {
		if !validSubscription(t) {
			return fmt.Errorf("unknown outcome type %q", t)
		}
	}
	return nil
}

func parsePings(in []string) ([]common.Hash, error) {
	out := make([]common.Hash, 0, len(in))
	for _, s := range in {
		b, err := hexutil.Decode(s)
		if err != nil || len(b) != common.HashLength {
			return nil, fmt.Errorf("invalid ping hash %q", s)
		}
		out = append(out, common.BytesToHash(b))
	}
	return out, nil
}

// Client is one outcome stream connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	// sendMu orders sends on send with its close
	sendMu sync.Mutex
	closed bool

	mu     sync.RWMutex
	filter filter
}

// NewClient creates a client for conn. It receives nothing until it subscribes.
func NewClient(hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger,
		filter: filter{
			types: make(map[eventbus.OutcomeType]struct{}),
			pings: make(map[common.Hash]struct{}),
		},
	}
}

// Wants reports whether the outcome passes the client's filter
func (c *Client) Wants(o *eventbus.Outcome) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.matches(o)
}

func (c *Client) subscribe(req SubscribeRequest) (FilterState, error) {
	if err := parseTypes(req.Types); err != nil {
		return FilterState{}, err
	}
	pings, err := parsePings(req.Pings)
	if err != nil {
		return FilterState{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter.active = true
	if len(req.Types) == 0 {
		c.filter.all = true
	}
	for _, t := range req.Types {
		if t == SubscribeAll {
			c.filter.all = true
			continue
		}
		c.filter.types[eventbus.OutcomeType(t)] = struct{}{}
	}
	for _, h := range pings {
		c.filter.pings[h] = struct{}{}
	}
	return c.filter.state(), nil
}

func (c *Client) unsubscribe(req UnsubscribeRequest) (FilterState, error) {
	if err := parseTypes(req.Types); err != nil {
		return FilterState{}, err
	}
	pings, err := parsePings(req.Pings)
	if err != nil {
		return FilterState{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(req.Types) == 0 && len(pings) == 0 {
		c.filter.active = false
		c.filter.all = false
		clear(c.filter.types)
		clear(c.filter.pings)
		return c.filter.state(), nil
	}

	for _, t := range req.Types {
		if t == SubscribeAll {
			c.filter.all = false
			continue
		}
		delete(c.filter.types, eventbus.OutcomeType(t))
	}
	for _, h := range pings {
		delete(c.filter.pings, h)
	}
	if !c.filter.all && len(c.filter.types) == 0 {
		c.filter.active = false
	}
	return c.filter.state(), nil
}

// readLoop handles client requests until the connection drops
func (c *Client) readLoop() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("stream client disconnected", zap.Error(err))
			}
			return
		}
		c.handle(frame)
	}
}

// writeLoop is the only writer on conn
func (c *Client) writeLoop() {
	keepalive := time.NewTicker(pingPeriod)
	defer func() {
		keepalive.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, open := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-keepalive.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(frame []byte) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.reject("malformed frame")
		return
	}

	switch msg.Type {
	case MsgSubscribe:
		var req SubscribeRequest
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				c.reject("malformed subscribe payload")
				return
			}
		}
		st, err := c.subscribe(req)
		if err != nil {
			c.reject(err.Error())
			return
		}
		c.reply(MsgSubscribed, st)

	case MsgUnsubscribe:
		var req UnsubscribeRequest
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				c.reject("malformed unsubscribe payload")
				return
			}
		}
		st, err := c.unsubscribe(req)
		if err != nil {
			c.reject(err.Error())
			return
		}
		c.reply(MsgUnsubscribed, st)

	case MsgPing:
		c.reply(MsgPong, nil)

	default:
		c.reject(fmt.Sprintf("unsupported message type %q", msg.Type))
	}
}

func (c *Client) reply(typ string, payload interface{}) {
	msg := Message{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			c.logger.Error("failed to encode reply", zap.String("type", typ), zap.Error(err))
			return
		}
		msg.Payload = data
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to encode reply", zap.String("type", typ), zap.Error(err))
		return
	}
	c.enqueue(frame)
}

func (c *Client) reject(reason string) {
	c.reply(MsgError, ErrorMessage{Error: reason})
}

func (c *Client) enqueue(frame []byte) {
	if !c.deliver(frame) {
		c.logger.Warn("stream client send buffer full, reply dropped")
	}
}

// deliver queues frame without blocking. It returns false only when the
// buffer is full; frames for a closed client are discarded.
func (c *Client) deliver(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// closeSend ends writeLoop. Safe to call more than once.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
