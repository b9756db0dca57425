// Package ws implements game.Dialer and game.Conn over the voxel world
// websocket protocol.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"dualbot.ai/internal/catalogs"
	"dualbot.ai/internal/config"
	"dualbot.ai/internal/game"
	"dualbot.ai/internal/protocol"
)

type Dialer struct {
	URL              string
	Catalog          *catalogs.Catalog
	Logger           *log.Logger
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
}

// NewDialer targets ws://host:port/path of the configured server.
func NewDialer(srv config.Server, cat *catalogs.Catalog, logger *log.Logger) *Dialer {
	u := url.URL{Scheme: "ws", Host: srv.Host + ":" + strconv.Itoa(srv.Port), Path: srv.Path}
	return &Dialer{URL: u.String(), Catalog: cat, Logger: logger}
}

func (d *Dialer) Dial(ctx context.Context, p game.Persona) (game.Conn, error) {
	hsTimeout := d.HandshakeTimeout
	if hsTimeout <= 0 {
		hsTimeout = 5 * time.Second
	}
	logger := d.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[ws] ", log.LstdFlags)
	}
	cat := d.Catalog
	if cat == nil {
		cat = catalogs.Default()
	}

	wd := websocket.Dialer{HandshakeTimeout: hsTimeout}
	wsConn, resp, err := wd.DialContext(ctx, d.URL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentName:       p.Username,
		GameVersion:     p.Version,
		Capabilities: protocol.HelloCapabilities{
			DeltaVoxels: true,
			AckRequired: true,
			MaxQueue:    64,
		},
	}
	if p.Auth != "" || p.Token != "" {
		hello.Auth = &protocol.HelloAuth{Mode: p.Auth, Token: p.Token}
	}
	_ = wsConn.SetWriteDeadline(time.Now().Add(hsTimeout))
	if err := wsConn.WriteJSON(hello); err != nil {
		_ = wsConn.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}

	welcome, err := readWelcome(wsConn, hsTimeout)
	if err != nil {
		_ = wsConn.Close()
		return nil, err
	}

	c := newConn(wsConn, p.Username, welcome, cat, logger)
	if d.AckTimeout > 0 {
		c.ackTimeout = d.AckTimeout
	}
	go c.readLoop()
	return c, nil
}

func readWelcome(conn *websocket.Conn, timeout time.Duration) (protocol.WelcomeMsg, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return protocol.WelcomeMsg{}, fmt.Errorf("welcome: %w", err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return protocol.WelcomeMsg{}, fmt.Errorf("welcome: %w", err)
	}
	if base.Type != protocol.TypeWelcome {
		return protocol.WelcomeMsg{}, fmt.Errorf("welcome: unexpected %s", base.Type)
	}
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil {
		return protocol.WelcomeMsg{}, fmt.Errorf("welcome: %w", err)
	}
	if !protocol.IsSupportedVersion(w.ProtocolVersion) {
		return protocol.WelcomeMsg{}, fmt.Errorf("welcome: unsupported protocol_version %q", w.ProtocolVersion)
	}
	return w, nil
}

// RejectedError carries the server's refusal of one action.
type RejectedError struct {
	Action  string
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s rejected: %s: %s", e.Action, e.Code, e.Message)
	}
	return fmt.Sprintf("%s rejected: %s", e.Action, e.Code)
}

func (e *RejectedError) Unwrap() []error {
	if e.Code == protocol.ErrNotNight {
		return []error{game.ErrRejected, game.ErrNotNight}
	}
	return []error{game.ErrRejected}
}

var errClosed = errors.New("ws: connection closed")

// closeGrace bounds how long Quit waits for the server to answer the close
// handshake before dropping the socket.
const closeGrace = time.Second

