// Package main provides a CI-friendly WebSocket smoke test for Courier.
//
// It validates, against a running instance (and its durable log):
//   - handshake + subprotocol selection
//   - hello/ack session establishment (room binding)
//   - send -> relay -> fanout of message_new to both clients in the room
//
// Delivery flows through the log, so the tool tolerates relay latency with a
// per-step timeout rather than expecting an immediate echo.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "courier/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	subprotocol  = "courier.chat.v1"
	maxReadBytes = 1 << 20
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send")
		room    = flag.String("room", "dev-room-1", "Room to bind")
		text    = flag.String("text", "hello courier", "Message text to send")
		timeout = flag.Duration("timeout", 10*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *room, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *room, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s room=%q\n", a.sessionID, b.sessionID, *room)
	}

	body, _ := json.Marshal(map[string]string{"text": *text})
	payload, _ := json.Marshal(v1.MessageSendPayload{Body: body})
	send := v1.Envelope{V: v1.Version, Type: v1.TypeMessageSend, TS: time.Now().UTC(), Payload: payload}

	if err := writeJSON(root, a.conn, send, *timeout); err != nil {
		fatalf("A send: %v", err)
	}

	// Both clients, sender included, must see the message come back through
	// the relay exactly once.
	for _, c := range []*smokeClient{a, b} {
		m, err := awaitMessageNew(root, c, *timeout)
		if err != nil {
			fatalf("%s: no relayed message: %v", c.name, err)
		}
		if m.Room != *room {
			fatalf("%s: relayed room=%q want %q", c.name, m.Room, *room)
		}
		if m.Sender != a.sessionID {
			fatalf("%s: relayed sender=%q want %q", c.name, m.Sender, a.sessionID)
		}
		if string(m.Body) != string(body) {
			fatalf("%s: relayed body=%s want %s", c.name, m.Body, body)
		}
		if *verbose {
			fmt.Printf("%s received msg_id=%s\n", c.name, m.MsgID)
		}
	}

	fmt.Println("ws-smoke: OK")
}

func mustConnect(ctx context.Context, name, wsURL, origin, room string, timeout time.Duration) *smokeClient {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hdr := http.Header{}
	if origin != "" {
		hdr.Set("Origin", origin)
	}
	hdr.Set("X-Courier-Room", room)

	conn, resp, err := websocket.Dial(dctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   hdr,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("%s dial: %v", name, err)
	}
	if got := conn.Subprotocol(); got != subprotocol {
		fatalf("%s subprotocol=%q want %q", name, got, subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	go c.readLoop(ctx)

	ack, err := c.await(ctx, v1.TypeHelloAck, timeout)
	if err != nil {
		fatalf("%s hello_ack: %v", name, err)
	}
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("%s hello_ack payload: %v", name, err)
	}
	if p.SessionID == "" || p.Room != room {
		fatalf("%s bad hello_ack: %+v", name, p)
	}
	c.sessionID = p.SessionID
	return c
}

func (c *smokeClient) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			select {
			case c.errCh <- err:
			default:
			}
			return
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case c.inbox <- env:
		default:
		}
	}
}

func (c *smokeClient) await(ctx context.Context, typ string, timeout time.Duration) (v1.Envelope, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return v1.Envelope{}, ctx.Err()
		case err := <-c.errCh:
			return v1.Envelope{}, err
		case <-deadline.C:
			return v1.Envelope{}, fmt.Errorf("timeout waiting for %s", typ)
		case env := <-c.inbox:
			if env.Type == typ {
				return env, nil
			}
			if env.Type == v1.TypeError {
				return v1.Envelope{}, fmt.Errorf("server error envelope: %s", env.Payload)
			}
		}
	}
}

func awaitMessageNew(ctx context.Context, c *smokeClient, timeout time.Duration) (v1.MessageNewPayload, error) {
	env, err := c.await(ctx, v1.TypeMessageNew, timeout)
	if err != nil {
		return v1.MessageNewPayload{}, err
	}
	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return v1.MessageNewPayload{}, err
	}
	return p, nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(wctx, websocket.MessageText, b)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ws-smoke: "+format+"\n", args...)
	os.Exit(1)
}
