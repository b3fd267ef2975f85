package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fieldserve/internal/dispatch"
	"fieldserve/internal/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// wsMessage is the envelope in both directions. Server frames carry
// type "event" (with Event set), "ack", "error" or "ping"; clients may send
// "ping" and, as the assigned technician, "location".
type wsMessage struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	wsReadTimeout = 60 * time.Second
	wsPingEvery   = 20 * time.Second
)

// WorkWSHandler streams a work request's events over a websocket. The caller
// has already been authorized to view the work.
func (s *Server) WorkWSHandler(w http.ResponseWriter, r *http.Request, a dispatch.Actor, workID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	channel := workChannel(workID)
	ch := s.Broker.Subscribe(channel)
	defer s.Broker.Unsubscribe(channel, ch)

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				payload, _ := json.Marshal(evt.Data)
				if err := write(wsMessage{Type: "event", Event: evt.Type, Payload: payload}); err != nil {
					return
				}
			case <-ticker.C:
				wmu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				wmu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	defer close(done)

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		switch msg.Type {
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "location":
			var p model.GeoPoint
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				_ = write(wsMessage{Type: "error", Payload: errPayload("invalid location payload")})
				continue
			}
			res, err := s.Service.UpdateLocation(r.Context(), a, p)
			if err != nil {
				_ = write(wsMessage{Type: "error", Payload: errPayload(err.Error())})
				continue
			}
			ack, _ := json.Marshal(res)
			_ = write(wsMessage{Type: "ack", Payload: ack})
		default:
			log.Printf("[ws] work %s: ignoring %q message", workID, msg.Type)
		}
	}
}

func errPayload(msg string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"message": msg})
	return b
}
