package websocket

import (
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Read-only feed, any dashboard origin may subscribe
		return true
	},
}

// HandleWebSocket upgrades the connection and streams status events to it.
// The latest event of every bin is replayed first.
func HandleWebSocket(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warnw("WebSocket upgrade failed", "error", err)
			return
		}

		client := NewClient(uuid.NewString(), conn, hub)
		for _, event := range hub.Latest() {
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			select {
			case client.send <- data:
			default:
			}
		}

		if !hub.registerClient(client) {
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump()
	}
}
