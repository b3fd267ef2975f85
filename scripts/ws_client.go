// Package main runs a demo WebSocket client that follows a work request while
// a technician approves it and streams locations. It expects the API in dev
// auth mode.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var base string

func call(method, path, token string, body any, out any) {
	var rdr *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, base+path, rdr)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		log.Fatalf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatal(err)
		}
	}
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base = fmt.Sprintf("http://localhost:%s", port)
	const (
		admin  = "demo-admin:admin"
		client = "demo-client:client"
		tech   = "demo-tech:technician"
	)

	// Seed users; 409 means they already exist
	call(http.MethodPost, "/v1/admin/users", admin, map[string]any{"id": "demo-client", "role": "client", "firstName": "Demo", "email": "client@example.com"}, nil)
	call(http.MethodPost, "/v1/admin/users", admin, map[string]any{
		"id": "demo-tech", "role": "technician", "firstName": "Ravi", "specialization": []string{"ac"},
		"coordinates": map[string]float64{"lat": 12.98, "lng": 77.60}, "location": "Bengaluru",
	}, nil)

	var created struct {
		Work struct {
			ID    string `json:"id"`
			Token string `json:"token"`
		} `json:"work"`
	}
	call(http.MethodPost, "/v1/works", client, map[string]any{
		"serviceType": "AC Repair", "specialization": []string{"ac"},
		"coordinates": map[string]float64{"lat": 12.97, "lng": 77.59},
	}, &created)
	workID := created.Work.ID
	log.Printf("Work %s (%s)", workID, created.Work.Token)
	call(http.MethodPost, "/v1/works/"+workID+"/approve", tech, nil, nil)

	// Connect WS as the assigned technician
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/works/" + workID + "/ws"}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+tech)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s %s: %s", m.Type, m.Event, string(m.Payload))
		}
	}()

	// Drive towards the client
	lat, lng := 12.98, 77.60
	for i := 0; i < 5; i++ {
		lat -= 0.002
		lng -= 0.002
		pl, _ := json.Marshal(map[string]float64{"lat": lat, "lng": lng})
		if err := c.WriteJSON(wsMessage{Type: "location", Payload: pl}); err != nil {
			log.Fatal(err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
