package pool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tkhumush/nostrtv/nostr"
)

const writeTimeout = 10 * time.Second

// relayConn manages a single websocket connection. Frames it reads are
// multiplexed into the owning pool's merged event stream.
type relayConn struct {
	conn     *websocket.Conn
	relayURL string
	pool     *Pool

	mu      sync.Mutex
	writeMu sync.Mutex
	closed  bool
}

// writeJSON sends a frame with a write deadline. Send failures are logged by
// callers; they never fail a specific subscriber.
func (rc *relayConn) writeJSON(v interface{}) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()

	rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer rc.conn.SetWriteDeadline(time.Time{})

	return rc.conn.WriteJSON(v)
}

// readLoop continuously reads frames and routes them into the pool.
func (rc *relayConn) readLoop() {
	defer rc.pool.connWG.Done()
	defer rc.markClosed()

	for {
		var msg []interface{}
		err := rc.conn.ReadJSON(&msg)
		if err != nil {
			rc.mu.Lock()
			closed := rc.closed
			rc.mu.Unlock()
			if !closed {
				slog.Debug("pool: read error", "relay", rc.relayURL, "error", err)
			}
			return
		}

		if len(msg) < 2 {
			continue
		}
		msgType, ok := msg[0].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}
			evt, ok := nostr.ParseEventFromInterface(msg[2])
			if !ok {
				continue
			}
			evt.RelaysSeen = []string{rc.relayURL}
			rc.pool.noteMessage()
			rc.pool.deliver(subID, evt)

		case "EOSE":
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}
			rc.pool.noteMessage()
			rc.pool.notifyEOSE(subID, rc.relayURL)

		case "OK":
			if len(msg) < 3 {
				continue
			}
			eventID, _ := msg[1].(string)
			accepted, _ := msg[2].(bool)
			reason := ""
			if len(msg) >= 4 {
				reason, _ = msg[3].(string)
			}
			rc.pool.noteMessage()
			rc.pool.notifyOK(eventID, accepted, reason)

		case "CLOSED":
			subID, _ := msg[1].(string)
			slog.Debug("pool: subscription closed by relay", "relay", rc.relayURL, "sub_id", subID)

		case "NOTICE":
			text, _ := msg[1].(string)
			slog.Info("pool: relay notice", "relay", rc.relayURL, "notice", text)
			rc.pool.notifyNotice(rc.relayURL, text)
		}
	}
}

// markClosed marks the connection as closed and closes the socket.
func (rc *relayConn) markClosed() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true
	rc.conn.Close()
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}
