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

package tracking

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/models"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// SessionTransport the connection carrying one session's messages
type SessionTransport interface {
	// Deliver queue one message for the client. This must not block: when the
	// outbound queue is full it returns ErrSlowConsumer.
	Deliver(msg models.OutboundMessage) error
	// Close end the connection with a close code and reason
	Close(code int, reason string) error
}

// SessionState state of a session
type SessionState int

// Session states
const (
	SessionOpen SessionState = iota
	SessionClosing
	SessionClosed
)

// String toString function
func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// evictHandler called when a session must be closed from within the delivery path
type evictHandler func(session *Session, code int, reason string)

// Session one admitted connection
type Session struct {
	common.Component
	// ID is the session ID
	ID string
	// Actor is the verified identity behind the connection
	Actor models.Actor
	// RemoteAddr is the client address, for logging
	RemoteAddr string

	transport SessionTransport
	evict     evictHandler

	lock      sync.Mutex
	state     SessionState
	shipments map[string]bool
	// accepted sample count per shipment since the last persistence write
	sampleCounts map[string]int
}

func newSession(
	actor models.Actor, remoteAddr string, transport SessionTransport, evict evictHandler,
) *Session {
	sessionID := uuid.NewString()
	return &Session{
		Component: common.Component{
			LogTags: log.Fields{
				"module":    "tracking",
				"component": "session",
				"instance":  sessionID,
				"actor":     actor.String(),
				"remote":    remoteAddr,
			},
		},
		ID:           sessionID,
		Actor:        actor,
		RemoteAddr:   remoteAddr,
		transport:    transport,
		evict:        evict,
		state:        SessionOpen,
		shipments:    make(map[string]bool),
		sampleCounts: make(map[string]int),
	}
}

// String toString function
func (s *Session) String() string {
	return fmt.Sprintf("SESSION[%s](%s)", s.ID, s.Actor)
}

// State current session state
func (s *Session) State() SessionState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Shipments the shipments the session currently follows, sorted
func (s *Session) Shipments() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]string, 0, len(s.shipments))
	for shipmentID := range s.shipments {
		result = append(result, shipmentID)
	}
	sort.Strings(result)
	return result
}

// Follows whether the session currently follows the shipment
func (s *Session) Follows(shipmentID string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.shipments[shipmentID]
}

// Deliver send one message to the client
//
// Nothing is delivered once the session starts closing. A full outbound queue
// evicts the session as a slow consumer.
func (s *Session) Deliver(msg models.OutboundMessage) error {
	s.lock.Lock()
	if s.state != SessionOpen {
		s.lock.Unlock()
		return ErrSessionClosed
	}
	err := s.transport.Deliver(msg)
	s.lock.Unlock()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to deliver %s", msg.Type)
		if errors.Is(err, ErrSlowConsumer) && s.evict != nil {
			// The caller may hold group locks which the eviction needs
			go s.evict(s, CloseSlowConsumer, "slow consumer")
		}
	}
	return err
}

// addShipment record that the session follows a shipment. Returns whether it is new.
func (s *Session) addShipment(shipmentID string) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != SessionOpen {
		return false, ErrSessionClosed
	}
	if s.shipments[shipmentID] {
		return false, nil
	}
	s.shipments[shipmentID] = true
	return true, nil
}

// removeShipment stop following a shipment. Returns the number still followed.
func (s *Session) removeShipment(shipmentID string) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.shipments, shipmentID)
	delete(s.sampleCounts, shipmentID)
	return len(s.shipments)
}

// countSample count one accepted sample for a shipment. Returns true, and restarts
// the count, every `every` samples.
func (s *Session) countSample(shipmentID string, every int) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sampleCounts[shipmentID]++
	if s.sampleCounts[shipmentID] >= every {
		s.sampleCounts[shipmentID] = 0
		return true
	}
	return false
}

// beginClose move the session into closing. Returns false if it already left open.
func (s *Session) beginClose() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != SessionOpen {
		return false
	}
	s.state = SessionClosing
	return true
}

// finishClose mark the session closed and close the transport
func (s *Session) finishClose(code int, reason string) error {
	s.lock.Lock()
	s.state = SessionClosed
	s.shipments = make(map[string]bool)
	s.sampleCounts = make(map[string]int)
	s.lock.Unlock()
	log.WithFields(s.LogTags).Infof("Closing session with %d: %s", code, reason)
	return s.transport.Close(code, reason)
}
