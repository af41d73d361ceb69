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

package apis

import (
	"sync"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/models"
	"github.com/alwitt/livetrack/tracking"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// maxCloseReasonLen close frame payload limit, minus the two byte code
const maxCloseReasonLen = 123

// wsTransport tracking.SessionTransport over a WebSocket connection
//
// Messages are queued on a bounded channel and written by a single writer goroutine,
// which also sends the keep-alive pings.
type wsTransport struct {
	common.Component
	conn         *websocket.Conn
	outbound     chan models.OutboundMessage
	writeTimeout time.Duration
	pingInterval time.Duration

	lock        sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	closeSignal chan struct{}
	writerDone  chan struct{}
}

func newWSTransport(
	conn *websocket.Conn,
	queueLen int,
	writeTimeout time.Duration,
	pingInterval time.Duration,
	logTags log.Fields,
) *wsTransport {
	return &wsTransport{
		Component:    common.Component{LogTags: logTags},
		conn:         conn,
		outbound:     make(chan models.OutboundMessage, queueLen),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		closeSignal:  make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
}

// Deliver queue one message without blocking
func (t *wsTransport) Deliver(msg models.OutboundMessage) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return tracking.ErrSessionClosed
	}
	select {
	case t.outbound <- msg:
		return nil
	default:
		return tracking.ErrSlowConsumer
	}
}

// Close flush the queued messages, then send a close frame and drop the connection
func (t *wsTransport) Close(code int, reason string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.closeCode = code
	if len(reason) > maxCloseReasonLen {
		reason = reason[:maxCloseReasonLen]
	}
	t.closeReason = reason
	close(t.closeSignal)
	return nil
}

// abort stop accepting messages after a write failure
func (t *wsTransport) abort() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.closed = true
	if err := t.conn.Close(); err != nil {
		log.WithError(err).WithFields(t.LogTags).Debug("Connection close failed")
	}
}

func (t *wsTransport) write(msg models.OutboundMessage) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteJSON(&msg)
}

// runWriter the writer loop. Runs until the transport closes or a write fails.
func (t *wsTransport) runWriter() {
	defer close(t.writerDone)
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-t.outbound:
			if err := t.write(msg); err != nil {
				log.WithError(err).WithFields(t.LogTags).Errorf("Failed to write %s", msg.Type)
				t.abort()
				return
			}
		case <-ticker.C:
			if err := t.conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(t.writeTimeout),
			); err != nil {
				log.WithError(err).WithFields(t.LogTags).Error("Keep-alive ping failed")
				t.abort()
				return
			}
		case <-t.closeSignal:
			t.flushAndClose()
			return
		}
	}
}

// flushAndClose write whatever is still queued, then the close frame
func (t *wsTransport) flushAndClose() {
	flushing := true
	for flushing {
		select {
		case msg := <-t.outbound:
			if err := t.write(msg); err != nil {
				log.WithError(err).WithFields(t.LogTags).Debugf("Failed to flush %s", msg.Type)
				flushing = false
			}
		default:
			flushing = false
		}
	}
	t.lock.Lock()
	code := t.closeCode
	reason := t.closeReason
	t.lock.Unlock()
	if err := t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(t.writeTimeout),
	); err != nil {
		log.WithError(err).WithFields(t.LogTags).Debug("Close frame not sent")
	}
	if err := t.conn.Close(); err != nil {
		log.WithError(err).WithFields(t.LogTags).Debug("Connection close failed")
	}
	log.WithFields(t.LogTags).Debugf("Closed connection with %d", code)
}

// waitForWriter wait for the writer loop to exit
func (t *wsTransport) waitForWriter(timeout time.Duration) {
	select {
	case <-t.writerDone:
	case <-time.After(timeout):
		log.WithFields(t.LogTags).Error("Writer did not exit in time")
		_ = t.conn.Close()
	}
}
