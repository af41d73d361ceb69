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
	"sync"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ConnectionState the client side view of the tracking connection
type ConnectionState int

// Known connection states
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	// StateError the gateway refused the client. Not retried.
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Reasons a controller gives up
var (
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrRejected         = errors.New("connection rejected by gateway")
	ErrTrackingEnded    = errors.New("tracking ended")
)

// ReconnectParams reconnect controller parameters
type ReconnectParams struct {
	// RetryDelay wait before each reconnect attempt
	RetryDelay time.Duration `validate:"gt=0"`
	// MaxAttempts max number of consecutive reconnect attempts
	MaxAttempts int `validate:"gte=0"`
	// OnStateChange called on every state transition
	OnStateChange func(ConnectionState)
	// OnMessage called with every gateway message
	OnMessage func(models.OutboundMessage)
	// OnFatal called once when the controller gives up
	OnFatal func(error)
}

// ReconnectController keeps a tracking connection open, reconnecting after
// unexpected drops
//
// Handshake rejections (HTTP 401 / 403) and close codes 4401 / 4403 put the
// controller in StateError. A 4410 close, or running out of attempts, ends in
// StateDisconnected. Neither is retried.
type ReconnectController struct {
	common.Component
	ctxt   context.Context
	dialer Dialer
	params ReconnectParams
	timer  common.IntervalTimer
	wg     *sync.WaitGroup

	lock        sync.Mutex
	state       ConnectionState
	attempts    int
	conn        Connection
	connectedAt time.Time
	stopped     bool

	notifyLock sync.Mutex
}

// GetReconnectController define a new ReconnectController
func GetReconnectController(
	ctxt context.Context, wg *sync.WaitGroup, name string, dialer Dialer, params ReconnectParams,
) (*ReconnectController, error) {
	logTags := log.Fields{"module": "client", "component": "reconnect", "instance": name}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid reconnect parameters")
		return nil, err
	}
	if dialer == nil {
		return nil, fmt.Errorf("no dialer provided")
	}
	timer, err := common.GetIntervalTimerInstance(fmt.Sprintf("%s-retry", name), ctxt, wg)
	if err != nil {
		return nil, err
	}
	return &ReconnectController{
		Component: common.Component{LogTags: logTags},
		ctxt:      ctxt,
		dialer:    dialer,
		params:    params,
		timer:     timer,
		wg:        wg,
		state:     StateDisconnected,
	}, nil
}

// State the current connection state
func (c *ReconnectController) State() ConnectionState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// Attempts the number of consecutive reconnect attempts since the last stable connection
//
// A connection is stable once it stays up for at least RetryDelay.
func (c *ReconnectController) Attempts() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.attempts
}

// Connect make the first connection attempt. Failures schedule reconnects as usual.
func (c *ReconnectController) Connect() error {
	c.lock.Lock()
	if c.stopped || c.state != StateDisconnected || c.conn != nil {
		c.lock.Unlock()
		return fmt.Errorf("controller already started")
	}
	c.lock.Unlock()
	return c.connect()
}

// Send send one client message on the current connection
func (c *ReconnectController) Send(msg models.ClientMessage) error {
	c.lock.Lock()
	conn := c.conn
	c.lock.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(msg)
}

// Disconnect close the connection and stop reconnecting, including any reconnect
// already waiting on its delay
func (c *ReconnectController) Disconnect() error {
	c.lock.Lock()
	if c.stopped {
		c.lock.Unlock()
		return nil
	}
	c.stopped = true
	conn := c.conn
	c.conn = nil
	changed := c.setState(StateDisconnected)
	c.lock.Unlock()
	if err := c.timer.Stop(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to cancel pending reconnect")
	}
	c.notifyState(changed, StateDisconnected)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// setState record the new state. Returns whether it changed. Caller holds the lock.
func (c *ReconnectController) setState(state ConnectionState) bool {
	if c.state == state {
		return false
	}
	log.WithFields(c.LogTags).Debugf("%s -> %s", c.state, state)
	c.state = state
	return true
}

func (c *ReconnectController) notifyState(changed bool, state ConnectionState) {
	if !changed || c.params.OnStateChange == nil {
		return
	}
	c.notifyLock.Lock()
	defer c.notifyLock.Unlock()
	c.params.OnStateChange(state)
}

func (c *ReconnectController) connect() error {
	c.lock.Lock()
	if c.stopped {
		c.lock.Unlock()
		return nil
	}
	changed := c.setState(StateConnecting)
	c.lock.Unlock()
	c.notifyState(changed, StateConnecting)

	conn, err := c.dialer.Dial(c.ctxt)

	c.lock.Lock()
	if c.stopped {
		c.lock.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}
	if err != nil {
		c.lock.Unlock()
		log.WithError(err).WithFields(c.LogTags).Warn("Connection attempt failed")
		c.handleFailure(err)
		return err
	}
	c.conn = conn
	c.connectedAt = time.Now()
	changed = c.setState(StateConnected)
	c.lock.Unlock()
	c.notifyState(changed, StateConnected)
	log.WithFields(c.LogTags).Info("Connected")

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

func (c *ReconnectController) readLoop(conn Connection) {
	defer c.wg.Done()
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			c.lock.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
				if time.Since(c.connectedAt) >= c.params.RetryDelay {
					c.attempts = 0
				}
			}
			c.lock.Unlock()
			if current {
				log.WithError(err).WithFields(c.LogTags).Warn("Connection lost")
				_ = conn.Close()
				c.handleFailure(err)
			}
			return
		}
		if c.params.OnMessage != nil {
			c.params.OnMessage(msg)
		}
	}
}

// giveUpReason the state a failure leads to, and whether it ends the controller
func giveUpReason(err error) (ConnectionState, error) {
	var handshake *HandshakeError
	if errors.As(err, &handshake) {
		switch handshake.StatusCode {
		case 401, 403:
			return StateError, fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}
	var closed *ClosedError
	if errors.As(err, &closed) {
		switch closed.Code {
		case closeAuthenticationFailed, closeAuthorizationDenied:
			return StateError, fmt.Errorf("%w: %v", ErrRejected, err)
		case closeTrackingEnded:
			return StateDisconnected, fmt.Errorf("%w: %v", ErrTrackingEnded, err)
		}
	}
	return StateDisconnected, nil
}

// handleFailure schedule the next attempt, or give up
func (c *ReconnectController) handleFailure(cause error) {
	next, fatal := giveUpReason(cause)

	c.lock.Lock()
	if c.stopped {
		c.lock.Unlock()
		return
	}
	if fatal == nil && c.attempts >= c.params.MaxAttempts {
		fatal = fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.attempts, cause)
	}
	if fatal != nil {
		c.stopped = true
	} else {
		c.attempts++
	}
	attempt := c.attempts
	changed := c.setState(next)
	c.lock.Unlock()
	c.notifyState(changed, next)

	if fatal != nil {
		log.WithError(fatal).WithFields(c.LogTags).Error("Giving up")
		if c.params.OnFatal != nil {
			c.params.OnFatal(fatal)
		}
		return
	}
	log.WithFields(c.LogTags).Infof(
		"Reconnect attempt %d/%d in %s", attempt, c.params.MaxAttempts, c.params.RetryDelay,
	)
	if err := c.timer.Start(c.params.RetryDelay, func() error {
		_ = c.connect()
		return nil
	}, true); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to schedule reconnect")
	}
}
