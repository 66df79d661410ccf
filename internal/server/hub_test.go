package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mehtaportfolio/mehta-ao-prices/internal/model"
)

func sampleQuotes() []model.Quote {
	return []model.Quote{
		{TradingSymbol: "SBIN-EQ", SymbolToken: "3045", Exchange: "NSE", LTP: 812.5, Close: 808},
		{TradingSymbol: "TCS-EQ", SymbolToken: "11536", Exchange: "NSE", LTP: 4100, Close: 4050},
	}
}

func TestHub_PublishToConnectedClient(t *testing.T) {
	hub := NewHub()
	wsSrv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer wsSrv.Close()

	url := "ws" + strings.TrimPrefix(wsSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration happens in the handler goroutine; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("clients = %d, want 1", hub.ClientCount())
	}

	hub.PublishQuotes(context.Background(), sampleQuotes())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var event struct {
		Type   string        `json:"type"`
		TS     string        `json:"ts"`
		Count  int           `json:"count"`
		Quotes []model.Quote `json:"quotes"`
	}
	if err := json.Unmarshal(msg, &event); err != nil {
		t.Fatalf("event is not valid JSON: %v\nraw: %s", err, msg)
	}
	if event.Type != "quotes" {
		t.Errorf("type = %q, want quotes", event.Type)
	}
	if event.Count != 2 || len(event.Quotes) != 2 {
		t.Errorf("count = %d, quotes = %d, want 2/2", event.Count, len(event.Quotes))
	}
	if event.Quotes[0].TradingSymbol != "SBIN-EQ" || event.Quotes[0].LTP != 812.5 {
		t.Errorf("first quote = %+v", event.Quotes[0])
	}
	if _, err := time.Parse(time.RFC3339, event.TS); err != nil {
		t.Errorf("ts %q is not RFC3339: %v", event.TS, err)
	}
}

func TestHub_DisconnectDropsClient(t *testing.T) {
	hub := NewHub()
	wsSrv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer wsSrv.Close()

	url := "ws" + strings.TrimPrefix(wsSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("clients = %d after disconnect, want 0", hub.ClientCount())
	}
}

func TestHub_PublishWithNoClients(t *testing.T) {
	hub := NewHub()
	// Must be a cheap no-op, not a panic or block.
	hub.PublishQuotes(context.Background(), sampleQuotes())
	hub.PublishQuotes(context.Background(), nil)
}

func TestHub_SlowClientDoesNotBlock(t *testing.T) {
	hub := NewHub()
	client := &wsClient{send: make(chan []byte, 1)}
	hub.clients[client] = true

	// Fill the buffer, then publish past it; the extra events are dropped.
	done := make(chan struct{})
	go func() {
		for i := 0; i < clientSendBuf+10; i++ {
			hub.PublishQuotes(context.Background(), sampleQuotes())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow client")
	}
	if got := len(client.send); got != 1 {
		t.Errorf("buffered = %d, want the single message the buffer holds", got)
	}
}
