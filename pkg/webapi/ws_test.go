package webapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/botchat/pkg/relay"
)

func dialWS(t *testing.T, f *testServer) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts.URL, "/ws"), nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) relay.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var fr relay.Frame
	require.NoError(t, json.Unmarshal(data, &fr))
	return fr
}

func TestWebSocketStreamsExchange(t *testing.T) {
	f := newTestServer(t, &scriptedCompleter{deltas: []string{"Hel", "lo!"}})
	_, c := f.seedChat(t)

	ws := dialWS(t, f)
	require.NoError(t, ws.WriteJSON(joinFrame{Type: "join", ChatID: c.ID}))

	// The join is processed by the server's read loop; wait for the
	// binding before submitting so no event can be missed.
	require.Eventually(t, func() bool {
		return f.hub.ChatConnCount(c.ID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ := f.do(t, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", c.ID), map[string]string{"content": "hi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	fr := readFrame(t, ws)
	require.Equal(t, relay.EventMessageUpdate, fr.Type)
	require.Equal(t, "Hel", fr.Content)

	fr = readFrame(t, ws)
	require.Equal(t, relay.EventMessageUpdate, fr.Type)
	require.Equal(t, "Hello!", fr.Content)

	fr = readFrame(t, ws)
	require.Equal(t, relay.EventMessageComplete, fr.Type)
	require.NotNil(t, fr.Message)
	require.Equal(t, "Hello!", fr.Message.Content)
}

func TestWebSocketJoinSwitchesChat(t *testing.T) {
	f := newTestServer(t, &scriptedCompleter{deltas: []string{"answer"}})
	bot, c1 := f.seedChat(t)

	resp, raw := f.do(t, http.MethodPost, fmt.Sprintf("/api/bots/%d/chats", bot.ID), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var c2 struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &c2))

	ws := dialWS(t, f)
	require.NoError(t, ws.WriteJSON(joinFrame{Type: "join", ChatID: c1.ID}))
	require.Eventually(t, func() bool {
		return f.hub.ChatConnCount(c1.ID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.WriteJSON(joinFrame{Type: "join", ChatID: c2.ID}))
	require.Eventually(t, func() bool {
		return f.hub.ChatConnCount(c2.ID) == 1 && f.hub.ChatConnCount(c1.ID) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Activity in the chat that was left must not reach this viewer.
	resp, _ = f.do(t, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", c1.ID), map[string]string{"content": "old room"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", c2.ID), map[string]string{"content": "new room"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	fr := readFrame(t, ws)
	require.Equal(t, relay.EventMessageUpdate, fr.Type)
	require.Equal(t, "answer", fr.Content)
}

func TestWebSocketIgnoresMalformedFrames(t *testing.T) {
	f := newTestServer(t, &scriptedCompleter{deltas: []string{"still here"}})
	_, c := f.seedChat(t)

	ws := dialWS(t, f)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "unknown-op"}))
	require.NoError(t, ws.WriteJSON(joinFrame{Type: "join", ChatID: c.ID}))

	require.Eventually(t, func() bool {
		return f.hub.ChatConnCount(c.ID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ := f.do(t, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", c.ID), map[string]string{"content": "hi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	fr := readFrame(t, ws)
	require.Equal(t, relay.EventMessageUpdate, fr.Type)
	require.Equal(t, "still here", fr.Content)
}
