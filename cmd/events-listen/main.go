package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// event mirrors the daemon's listener wire format.
type event struct {
	Status string `json:"status"`
	Event  struct {
		EventType string `json:"eventtype"`
		Ts        string `json:"ts"`
		Code      string `json:"code,omitempty"`
		Function  string `json:"function,omitempty"`
		Pin       string `json:"pin,omitempty"`
		State     string `json:"state,omitempty"`
	} `json:"event"`
}

func main() {
	var (
		wsURL  = flag.String("ws", "ws://127.0.0.1:8080/events", "devicebridge events websocket URL")
		asJSON = flag.Bool("json", false, "Print raw JSON frames instead of one line per event")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	var writeMu sync.Mutex

	// The server pings every 20s; extend the deadline on each ping.
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			if messageType != websocket.TextMessage {
				fmt.Printf("[BINARY] %d bytes\n", len(message))
				continue
			}
			if *asJSON {
				fmt.Println(string(message))
				continue
			}
			printEvent(message)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

func printEvent(message []byte) {
	var ev event
	if err := json.Unmarshal(message, &ev); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}

	switch ev.Event.EventType {
	case "x10":
		fmt.Printf("[X10]  %s  %-4s %s\n", ev.Event.Ts, ev.Event.Code, ev.Event.Function)
	case "gpio":
		fmt.Printf("[GPIO] %s  %s %s\n", ev.Event.Ts, ev.Event.Pin, ev.Event.State)
	default:
		fmt.Printf("[TEXT] %s\n", string(message))
	}
}
