package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/0xmhha/pingpong-go/pkg/eventbus"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, maxClients int) (*Server, string) {
	t.Helper()
	server := NewServer(maxClients, zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(server.ServeHTTP))
	t.Cleanup(func() {
		server.Stop()
		ts.Close()
	})
	return server, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload interface{}) {
	t.Helper()
	msg := Message{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		msg.Payload = data
	}
	require.NoError(t, conn.WriteJSON(msg))
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestConnectAndCount(t *testing.T) {
	server, url := newTestServer(t, 10)
	dial(t, url)

	require.Eventually(t, func() bool { return server.Hub().ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func readOutcome(t *testing.T, conn *websocket.Conn) *eventbus.Outcome {
	t.Helper()
	msg := read(t, conn)
	require.Equal(t, MsgOutcome, msg.Type)
	outcome, err := eventbus.UnmarshalOutcome(msg.Payload)
	require.NoError(t, err)
	return outcome
}

func TestSubscribeByType(t *testing.T) {
	server, url := newTestServer(t, 10)
	conn := dial(t, url)

	send(t, conn, MsgSubscribe, SubscribeRequest{Types: []SubscriptionType{SubscriptionType(eventbus.OutcomeConfirmed)}})
	assert.Equal(t, MsgSubscribed, read(t, conn).Type)

	ping := common.HexToHash("0xabc")
	pong := common.HexToHash("0xdef")

	hub := server.Hub()
	require.NoError(t, hub.Publish(context.Background(), eventbus.NewOutcome(eventbus.OutcomeSubmitted, ping, pong, 7)))
	require.NoError(t, hub.Publish(context.Background(), eventbus.NewOutcome(eventbus.OutcomeConfirmed, ping, pong, 7)))

	outcome := readOutcome(t, conn)
	assert.Equal(t, eventbus.OutcomeConfirmed, outcome.Type)
	assert.Equal(t, ping, outcome.PingTxHash)
	assert.Equal(t, uint64(7), outcome.Nonce)
}

func TestSubscribeWithoutTypesFollowsEverything(t *testing.T) {
	server, url := newTestServer(t, 10)
	conn := dial(t, url)

	send(t, conn, MsgSubscribe, nil)
	msg := read(t, conn)
	require.Equal(t, MsgSubscribed, msg.Type)

	var st FilterState
	require.NoError(t, json.Unmarshal(msg.Payload, &st))
	assert.True(t, st.Active)
	assert.Equal(t, []SubscriptionType{SubscribeAll}, st.Types)

	require.NoError(t, server.Hub().Publish(context.Background(), eventbus.NewOutcome(eventbus.OutcomeTimeout, common.Hash{1}, common.Hash{2}, 1)))
	assert.Equal(t, eventbus.OutcomeTimeout, readOutcome(t, conn).Type)
}

func TestSubscribeToOnePing(t *testing.T) {
	server, url := newTestServer(t, 10)
	conn := dial(t, url)

	watched := common.HexToHash("0x01")
	send(t, conn, MsgSubscribe, SubscribeRequest{Pings: []string{watched.Hex()}})
	assert.Equal(t, MsgSubscribed, read(t, conn).Type)

	hub := server.Hub()
	require.NoError(t, hub.Publish(context.Background(), eventbus.NewOutcome(eventbus.OutcomeConfirmed, common.HexToHash("0x02"), common.Hash{}, 1)))
	require.NoError(t, hub.Publish(context.Background(), eventbus.NewOutcome(eventbus.OutcomeConfirmed, watched, common.Hash{}, 2)))

	outcome := readOutcome(t, conn)
	assert.Equal(t, watched, outcome.PingTxHash)
	assert.Equal(t, uint64(2), outcome.Nonce)
}

func TestClientMessages(t *testing.T) {
	_, url := newTestServer(t, 10)
	conn := dial(t, url)

	send(t, conn, MsgSubscribe, SubscribeRequest{Types: []SubscriptionType{"newBlock"}})
	assert.Equal(t, MsgError, read(t, conn).Type)

	send(t, conn, MsgSubscribe, SubscribeRequest{Pings: []string{"0x1234"}})
	assert.Equal(t, MsgError, read(t, conn).Type)

	send(t, conn, MsgPing, nil)
	assert.Equal(t, MsgPong, read(t, conn).Type)

	send(t, conn, MsgUnsubscribe, nil)
	assert.Equal(t, MsgUnsubscribed, read(t, conn).Type)

	send(t, conn, "bogus", nil)
	assert.Equal(t, MsgError, read(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, MsgError, read(t, conn).Type)
}

func TestFilter(t *testing.T) {
	c := NewClient(nil, nil, zap.NewNop())
	ping := common.HexToHash("0xaa")
	confirmed := eventbus.NewOutcome(eventbus.OutcomeConfirmed, ping, common.Hash{}, 0)
	failed := eventbus.NewOutcome(eventbus.OutcomeFailed, ping, common.Hash{}, 0)
	other := eventbus.NewOutcome(eventbus.OutcomeConfirmed, common.HexToHash("0xbb"), common.Hash{}, 0)

	assert.False(t, c.Wants(confirmed), "a new client receives nothing")

	_, err := c.subscribe(SubscribeRequest{Types: []SubscriptionType{"confirmed"}})
	require.NoError(t, err)
	assert.True(t, c.Wants(confirmed))
	assert.True(t, c.Wants(other))
	assert.False(t, c.Wants(failed))

	st, err := c.subscribe(SubscribeRequest{Types: []SubscriptionType{"failed"}, Pings: []string{ping.Hex()}})
	require.NoError(t, err)
	assert.Equal(t, []SubscriptionType{"confirmed", "failed"}, st.Types)
	assert.Equal(t, []string{ping.Hex()}, st.Pings)
	assert.True(t, c.Wants(failed))
	assert.False(t, c.Wants(other))

	st, err = c.unsubscribe(UnsubscribeRequest{Types: []SubscriptionType{"confirmed", "failed"}})
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.False(t, c.Wants(confirmed))

	_, err = c.subscribe(SubscribeRequest{Types: []SubscriptionType{"bogus"}})
	assert.Error(t, err)
	assert.False(t, c.Wants(confirmed), "a rejected request leaves the filter unchanged")

	_, err = c.subscribe(SubscribeRequest{})
	require.NoError(t, err)
	st, err = c.unsubscribe(UnsubscribeRequest{})
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Empty(t, st.Types)
	assert.Empty(t, st.Pings)
}

func TestMaxClients(t *testing.T) {
	server, url := newTestServer(t, 1)
	dial(t, url)
	require.Eventually(t, func() bool { return server.Hub().ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	second := dial(t, url)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := second.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 1, server.Hub().ClientCount())
}

func TestHubStop(t *testing.T) {
	server, url := newTestServer(t, 10)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return server.Hub().ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	server.Stop()
	server.Stop()
	assert.Equal(t, 0, server.Hub().ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	err = server.Hub().Publish(context.Background(), eventbus.NewOutcome(eventbus.OutcomeFailed, common.Hash{}, common.Hash{}, 0))
	assert.ErrorIs(t, err, eventbus.ErrClosed)
}

func TestClientSendAfterClose(t *testing.T) {
	c := NewClient(nil, nil, zap.NewNop())

	for i := 0; i < sendBuffer; i++ {
		require.True(t, c.deliver([]byte("frame")))
	}
	assert.False(t, c.deliver([]byte("frame")), "a full buffer is reported")

	c.closeSend()
	c.closeSend()

	// replies racing with the hub's close are discarded
	assert.NotPanics(t, func() { c.reply(MsgPong, nil) })
	assert.True(t, c.deliver([]byte("frame")))
}
