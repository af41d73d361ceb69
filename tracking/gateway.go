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
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/livetrack/auth"
	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/directory"
	"github.com/alwitt/livetrack/models"
	"github.com/apex/log"
)

// HandshakeParams what the connection handshake carries
type HandshakeParams struct {
	// Token is the connection credential
	Token string
	// InitialShipmentID optional shipment to join right away
	InitialShipmentID string
	// RemoteAddr is the client address
	RemoteAddr string
	// Transport is the connection the session will send through
	Transport SessionTransport
}

// Gateway admits connections as sessions and keeps the session registry
type Gateway struct {
	common.Component
	verifier   auth.TokenVerifier
	shipments  directory.ShipmentDirectory
	membership *GroupMembership

	lock      sync.RWMutex
	sessions  map[string]*Session
	byCourier map[string]map[string]*Session
}

// NewGateway define a new Gateway
func NewGateway(
	verifier auth.TokenVerifier,
	shipments directory.ShipmentDirectory,
	membership *GroupMembership,
) *Gateway {
	return &Gateway{
		Component: common.Component{
			LogTags: log.Fields{"module": "tracking", "component": "gateway"},
		},
		verifier:   verifier,
		shipments:  shipments,
		membership: membership,
		sessions:   make(map[string]*Session),
		byCourier:  make(map[string]map[string]*Session),
	}
}

// Admit verify a new connection and register its session
//
// An invalid credential returns ErrAuthenticationFailed. When the handshake names a
// shipment, the session joins it before being registered; a refused join rejects the
// whole connection. A courier connecting without a shipment joins every shipment it is
// currently assigned; failing to list them rejects the connection. A rejected connection leaves no session behind; closing its
// transport is up to the caller.
func (g *Gateway) Admit(ctxt context.Context, params HandshakeParams) (*Session, error) {
	localLogTags := g.ExtendLogTags(log.Fields{"remote": params.RemoteAddr})
	if params.Transport == nil {
		return nil, fmt.Errorf("no transport provided")
	}
	actor, err := g.Authenticate(ctxt, params.Token)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Warn("Credential rejected")
		return nil, err
	}

	session := newSession(actor, params.RemoteAddr, params.Transport, g.evict)
	if len(params.InitialShipmentID) > 0 {
		if err := g.membership.Join(ctxt, session, params.InitialShipmentID); err != nil {
			session.beginClose()
			log.WithError(err).WithFields(session.LogTags).Warn("Initial join refused")
			return nil, err
		}
	} else if actor.Role == models.RoleCourier {
		if err := g.joinAssignments(ctxt, session); err != nil {
			session.beginClose()
			log.WithError(err).WithFields(session.LogTags).Warn("Unable to join assigned shipments")
			return nil, err
		}
	}

	g.lock.Lock()
	defer g.lock.Unlock()
	// Tracking may have ended, or the session evicted, while joining
	if session.State() != SessionOpen {
		log.WithFields(session.LogTags).Warn("Session closed during admission")
		return nil, fmt.Errorf("%w: closed during admission", ErrTrackingEnded)
	}
	g.sessions[session.ID] = session
	if actor.Role == models.RoleCourier {
		if _, ok := g.byCourier[actor.ID]; !ok {
			g.byCourier[actor.ID] = make(map[string]*Session)
		}
		g.byCourier[actor.ID][session.ID] = session
	}
	log.WithFields(session.LogTags).Infof("Admitted session, %d active", len(g.sessions))
	return session, nil
}

// joinAssignments join the courier session to each of its active shipments
//
// A single refused join is skipped; the assignment may have changed since the listing.
func (g *Gateway) joinAssignments(ctxt context.Context, session *Session) error {
	assigned, err := g.shipments.ListActiveShipments(ctxt, session.Actor.ID)
	if err != nil {
		return fmt.Errorf("listing assignments of %s: %w", session.Actor.ID, err)
	}
	for _, shipment := range assigned {
		if err := g.membership.Join(ctxt, session, shipment.ID); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return err
			}
			log.WithError(err).WithFields(session.LogTags).Warnf("Skipping assigned shipment %s", shipment.ID)
		}
	}
	return nil
}

// Authenticate verify a credential, returning the actor behind it
func (g *Gateway) Authenticate(ctxt context.Context, token string) (models.Actor, error) {
	if len(token) == 0 {
		return models.Actor{}, fmt.Errorf("%w: no credential", ErrAuthenticationFailed)
	}
	actor, err := g.verifier.Verify(ctxt, token)
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return actor, nil
}

// Subscribe join the session to another shipment
func (g *Gateway) Subscribe(ctxt context.Context, session *Session, shipmentID string) error {
	return g.membership.Join(ctxt, session, shipmentID)
}

// Unsubscribe remove the session from a shipment. Returns whether it was following it.
func (g *Gateway) Unsubscribe(session *Session, shipmentID string) bool {
	if !g.membership.Leave(session, shipmentID) {
		return false
	}
	_ = session.Deliver(models.NewUnsubscribedMessage(shipmentID))
	return true
}

// Release close the session, leaving all its groups and unregistering it
//
// Releasing an already closing session is a no-op.
func (g *Gateway) Release(session *Session, code int, reason string) error {
	if !session.beginClose() {
		return nil
	}
	g.membership.LeaveAll(session)
	g.unregister(session)
	return session.finishClose(code, reason)
}

func (g *Gateway) evict(session *Session, code int, reason string) {
	if err := g.Release(session, code, reason); err != nil {
		log.WithError(err).WithFields(session.LogTags).Error("Eviction failed")
	}
}

func (g *Gateway) unregister(session *Session) {
	g.lock.Lock()
	defer g.lock.Unlock()
	delete(g.sessions, session.ID)
	if courierSessions, ok := g.byCourier[session.Actor.ID]; ok {
		delete(courierSessions, session.ID)
		if len(courierSessions) == 0 {
			delete(g.byCourier, session.Actor.ID)
		}
	}
	log.WithFields(session.LogTags).Infof("Unregistered session, %d active", len(g.sessions))
}

// Lookup find a registered session
func (g *Gateway) Lookup(sessionID string) (*Session, bool) {
	g.lock.RLock()
	defer g.lock.RUnlock()
	session, ok := g.sessions[sessionID]
	return session, ok
}

// SessionsOfCourier the registered sessions of one courier
func (g *Gateway) SessionsOfCourier(courierID string) []*Session {
	g.lock.RLock()
	defer g.lock.RUnlock()
	result := make([]*Session, 0, len(g.byCourier[courierID]))
	for _, session := range g.byCourier[courierID] {
		result = append(result, session)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// DisconnectCourier close every session of a courier. Returns the number closed.
func (g *Gateway) DisconnectCourier(courierID string, code int, reason string) int {
	sessions := g.SessionsOfCourier(courierID)
	for _, session := range sessions {
		if err := g.Release(session, code, reason); err != nil {
			log.WithError(err).WithFields(session.LogTags).Error("Session close failed")
		}
	}
	return len(sessions)
}

// SessionCount number of registered sessions
func (g *Gateway) SessionCount() int {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return len(g.sessions)
}

// CloseAll close every registered session
func (g *Gateway) CloseAll(code int, reason string) {
	g.lock.RLock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, session := range g.sessions {
		sessions = append(sessions, session)
	}
	g.lock.RUnlock()
	for _, session := range sessions {
		if err := g.Release(session, code, reason); err != nil {
			log.WithError(err).WithFields(session.LogTags).Error("Session close failed")
		}
	}
}
