// Copyright 2022 The livetrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/alwitt/livetrack/models"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// Close codes the gateway uses when ending a connection
const (
	closeAuthenticationFailed = 4401
	closeAuthorizationDenied  = 4403
	closeTrackingEnded        = 4410
)

// ErrNotConnected no connection is currently open
var ErrNotConnected = errors.New("not connected")

// HandshakeError the gateway rejected the connection during the upgrade
type HandshakeError struct {
	StatusCode int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected with HTTP %d", e.StatusCode)
}

// ClosedError the gateway closed the connection
type ClosedError struct {
	Code   int
	Reason string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("connection closed (%d) %s", e.Code, e.Reason)
}

// Connection an open tracking connection
type Connection interface {
	// ReadMessage block until the next gateway message arrives
	ReadMessage() (models.OutboundMessage, error)
	// Send send one client message
	Send(msg models.ClientMessage) error
	// Close drop the connection
	Close() error
}

// Dialer opens tracking connections
type Dialer interface {
	// Dial open a new connection
	Dial(ctxt context.Context) (Connection, error)
}

// WebSocketDialerParams parameters for reaching the gateway
type WebSocketDialerParams struct {
	// GatewayURL is the gateway base URL, e.g. ws://127.0.0.1:3002/
	GatewayURL string `validate:"required,url"`
	// Token is the connection credential
	Token string `validate:"required"`
	// ShipmentID optional shipment to track right away
	ShipmentID string
	// HandshakeTimeout max duration of the WebSocket upgrade
	HandshakeTimeout time.Duration `validate:"gt=0"`
	// WriteTimeout max duration of one message write
	WriteTimeout time.Duration `validate:"gt=0"`
}

// webSocketDialer implements Dialer with gorilla/websocket
type webSocketDialer struct {
	params WebSocketDialerParams
	target string
	dialer *websocket.Dialer
}

// GetWebSocketDialer define a Dialer for the gateway's tracking endpoint
func GetWebSocketDialer(params WebSocketDialerParams) (Dialer, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	base, err := url.Parse(params.GatewayURL)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway URL: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported gateway URL scheme '%s'", base.Scheme)
	}
	target, err := base.Parse("v1/track")
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("token", params.Token)
	if len(params.ShipmentID) > 0 {
		query.Set("shipment_id", params.ShipmentID)
	}
	target.RawQuery = query.Encode()
	return &webSocketDialer{
		params: params,
		target: target.String(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: params.HandshakeTimeout,
		},
	}, nil
}

// Dial open a new connection
func (d *webSocketDialer) Dial(ctxt context.Context) (Connection, error) {
	conn, resp, err := d.dialer.DialContext(ctxt, d.target, nil)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			return nil, &HandshakeError{StatusCode: resp.StatusCode}
		}
		return nil, err
	}
	return &webSocketConnection{conn: conn, writeTimeout: d.params.WriteTimeout}, nil
}

// webSocketConnection implements Connection over a WebSocket
type webSocketConnection struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeLock    sync.Mutex
}

func (c *webSocketConnection) ReadMessage() (models.OutboundMessage, error) {
	var msg models.OutboundMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return msg, &ClosedError{Code: closeErr.Code, Reason: closeErr.Text}
		}
		return msg, err
	}
	return msg, nil
}

func (c *webSocketConnection) Send(msg models.ClientMessage) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(&msg)
}

func (c *webSocketConnection) Close() error {
	c.writeLock.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout),
	)
	c.writeLock.Unlock()
	return c.conn.Close()
}
