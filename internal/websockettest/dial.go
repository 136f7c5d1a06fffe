// Package websockettest holds websocket client helpers shared by transport tests.
package websockettest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"aiminigames/sessionsync/internal/wire"
)

// URL converts an httptest server URL into its websocket equivalent.
func URL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// Dial establishes a websocket connection with the default dialer.
func Dial(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(urlStr, header)
}

// DialIgnoringPongs establishes a WebSocket connection and disables the
// automatic pong responses so that tests can simulate an unresponsive peer.
func DialIgnoringPongs(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}

// ReadFrame reads one outbound session frame, failing after timeout.
func ReadFrame(conn *websocket.Conn, timeout time.Duration) (wire.Outbound, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return wire.Outbound{}, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return wire.Outbound{}, err
	}
	var frame wire.Outbound
	if err := json.Unmarshal(data, &frame); err != nil {
		return wire.Outbound{}, fmt.Errorf("decode frame %q: %w", data, err)
	}
	return frame, nil
}

// ReadUntil reads frames until one of type typ arrives, returning every frame read.
func ReadUntil(conn *websocket.Conn, typ string, timeout time.Duration) ([]wire.Outbound, error) {
	deadline := time.Now().Add(timeout)
	var seen []wire.Outbound
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return seen, fmt.Errorf("no %s frame within %s", typ, timeout)
		}
		frame, err := ReadFrame(conn, remaining)
		if err != nil {
			return seen, err
		}
		seen = append(seen, frame)
		if frame.Type == typ {
			return seen, nil
		}
	}
}
