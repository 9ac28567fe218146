package websocket

import (
	"encoding/json"

	"github.com/0xmhha/pingpong-go/pkg/eventbus"
)

// SubscriptionType names an outcome type a client can follow, or "all"
type SubscriptionType string

// SubscribeAll follows every outcome type
const SubscribeAll SubscriptionType = "all"

// Message types exchanged with clients
const (
	MsgSubscribe    = "subscribe"
	MsgUnsubscribe  = "unsubscribe"
	MsgPing         = "ping"
	MsgPong         = "pong"
	MsgOutcome      = "outcome"
	MsgSubscribed   = "subscribed"
	MsgUnsubscribed = "unsubscribed"
	MsgError        = "error"
)

func validSubscription(t SubscriptionType) bool {
	switch eventbus.OutcomeType(t) {
	case eventbus.OutcomeSubmitted, eventbus.OutcomeConfirmed, eventbus.OutcomeTimeout,
		eventbus.OutcomeFailed, eventbus.OutcomeAbandoned:
		return true
	}
	return t == SubscribeAll
}

// Message is the envelope for every frame in both directions
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribeRequest adds outcome types and ping hashes to the client's filter.
// No types means every type. Ping hashes narrow delivery to those pings.
type SubscribeRequest struct {
	Types []SubscriptionType `json:"types,omitempty"`
	Pings []string           `json:"pings,omitempty"`
}

// UnsubscribeRequest removes entries from the filter. An empty request
// clears it and stops delivery.
type UnsubscribeRequest struct {
	Types []SubscriptionType `json:"types,omitempty"`
	Pings []string           `json:"pings,omitempty"`
}

// FilterState is sent back after every filter change
type FilterState struct {
	Active bool               `json:"active"`
	Types  []SubscriptionType `json:"types"`
	Pings  []string           `json:"pings"`
}

// ErrorMessage carries a rejected request
type ErrorMessage struct {
	Error string `json:"error"`
}
