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
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/models"
	"github.com/apex/log"
)

const membershipShardCount = 16

// trackingGroup the sessions following one shipment
type trackingGroup struct {
	lock       sync.Mutex
	shipmentID string
	members    map[string]*Session
	lastKnown  *models.LocationSample
}

// sortedMembers members ordered by session ID. Caller holds the group lock.
func (g *trackingGroup) sortedMembers() []*Session {
	result := make([]*Session, 0, len(g.members))
	for _, member := range g.members {
		result = append(result, member)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

type membershipShard struct {
	lock   sync.RWMutex
	groups map[string]*trackingGroup
}

// GroupMembership registry of tracking groups
//
// Groups are spread over a fixed number of shards by shipment ID. Lock order is
// shard, then group, then session.
type GroupMembership struct {
	common.Component
	shards      [membershipShardCount]*membershipShard
	permissions PermissionResolver
	terminated  func(shipmentID string) bool
}

// NewGroupMembership define a new GroupMembership
//
// terminated reports whether a shipment already finished tracking; joins to such
// shipments are refused.
func NewGroupMembership(
	permissions PermissionResolver, terminated func(shipmentID string) bool,
) *GroupMembership {
	instance := &GroupMembership{
		Component: common.Component{
			LogTags: log.Fields{"module": "tracking", "component": "group-membership"},
		},
		permissions: permissions,
		terminated:  terminated,
	}
	for itr := range instance.shards {
		instance.shards[itr] = &membershipShard{groups: make(map[string]*trackingGroup)}
	}
	return instance
}

func (m *GroupMembership) shardFor(shipmentID string) *membershipShard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(shipmentID))
	return m.shards[hasher.Sum32()%membershipShardCount]
}

// Join add the session to the shipment's tracking group
//
// Joining again is a no-op apart from a fresh "subscribed" acknowledgement. A new
// member receives the acknowledgement and then the group's last-known sample.
func (m *GroupMembership) Join(ctxt context.Context, session *Session, shipmentID string) error {
	localLogTags := session.ExtendLogTags(log.Fields{"shipment": shipmentID})
	if session.State() != SessionOpen {
		return ErrSessionClosed
	}
	if !m.permissions.CanObserve(ctxt, session.Actor, shipmentID) {
		log.WithFields(localLogTags).Warn("Join denied")
		return fmt.Errorf("%w: %s may not follow %s", ErrAuthorizationDenied, session.Actor, shipmentID)
	}

	shard := m.shardFor(shipmentID)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	if m.terminated != nil && m.terminated(shipmentID) {
		log.WithFields(localLogTags).Warn("Join refused, tracking already ended")
		return fmt.Errorf("%w: %s", ErrTrackingEnded, shipmentID)
	}
	group, ok := shard.groups[shipmentID]
	if !ok {
		group = &trackingGroup{shipmentID: shipmentID, members: make(map[string]*Session)}
	}
	group.lock.Lock()
	defer group.lock.Unlock()
	added, err := session.addShipment(shipmentID)
	if err != nil {
		return err
	}
	if !ok {
		shard.groups[shipmentID] = group
		log.WithFields(localLogTags).Debug("Created tracking group")
	}
	group.members[session.ID] = session
	_ = session.Deliver(models.NewSubscribedMessage(shipmentID))
	if added {
		log.WithFields(localLogTags).Infof("Joined group, %d members", len(group.members))
		if group.lastKnown != nil {
			_ = session.Deliver(models.NewDriverLocationMessage(*group.lastKnown))
		}
	}
	return nil
}

// Leave remove the session from the shipment's tracking group. Returns whether the
// session was a member.
func (m *GroupMembership) Leave(session *Session, shipmentID string) bool {
	shard := m.shardFor(shipmentID)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	group, ok := shard.groups[shipmentID]
	if !ok {
		session.removeShipment(shipmentID)
		return false
	}
	group.lock.Lock()
	defer group.lock.Unlock()
	_, member := group.members[session.ID]
	delete(group.members, session.ID)
	session.removeShipment(shipmentID)
	if len(group.members) == 0 {
		delete(shard.groups, shipmentID)
		log.WithFields(m.LogTags).Debugf("Removed empty tracking group %s", shipmentID)
	}
	return member
}

// LeaveAll remove the session from every group it belongs to
func (m *GroupMembership) LeaveAll(session *Session) {
	for _, shipmentID := range session.Shipments() {
		m.Leave(session, shipmentID)
	}
}

// BroadcastTo deliver a message to every member of the shipment's group except
// excludeSessionID. Returns the number of members the message was handed to.
func (m *GroupMembership) BroadcastTo(
	shipmentID string, msg models.OutboundMessage, excludeSessionID string,
) int {
	shard := m.shardFor(shipmentID)
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	group, ok := shard.groups[shipmentID]
	if !ok {
		return 0
	}
	group.lock.Lock()
	defer group.lock.Unlock()
	return m.deliverAll(group, msg, excludeSessionID)
}

// publishSample record the group's last-known sample and fan it out to everyone
// except the publisher
func (m *GroupMembership) publishSample(
	sample models.LocationSample, excludeSessionID string,
) int {
	shard := m.shardFor(sample.ShipmentID)
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	group, ok := shard.groups[sample.ShipmentID]
	if !ok {
		return 0
	}
	group.lock.Lock()
	defer group.lock.Unlock()
	group.lastKnown = &sample
	return m.deliverAll(group, models.NewDriverLocationMessage(sample), excludeSessionID)
}

func (m *GroupMembership) deliverAll(
	group *trackingGroup, msg models.OutboundMessage, excludeSessionID string,
) int {
	delivered := 0
	for _, member := range group.sortedMembers() {
		if member.ID == excludeSessionID {
			continue
		}
		if err := member.Deliver(msg); err == nil {
			delivered++
		}
	}
	return delivered
}

// Dissolve remove the shipment's group, delivering a final message to every member
//
// Each member stops following the shipment. Returns the former members.
func (m *GroupMembership) Dissolve(shipmentID string, final models.OutboundMessage) []*Session {
	shard := m.shardFor(shipmentID)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	group, ok := shard.groups[shipmentID]
	if !ok {
		return nil
	}
	delete(shard.groups, shipmentID)
	group.lock.Lock()
	defer group.lock.Unlock()
	members := group.sortedMembers()
	for _, member := range members {
		_ = member.Deliver(final)
		member.removeShipment(shipmentID)
	}
	group.members = make(map[string]*Session)
	log.WithFields(m.LogTags).Infof(
		"Dissolved tracking group %s with %d members", shipmentID, len(members),
	)
	return members
}

// LastKnown the last sample published for the shipment, if its group exists
func (m *GroupMembership) LastKnown(shipmentID string) (models.LocationSample, bool) {
	shard := m.shardFor(shipmentID)
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	group, ok := shard.groups[shipmentID]
	if !ok {
		return models.LocationSample{}, false
	}
	group.lock.Lock()
	defer group.lock.Unlock()
	if group.lastKnown == nil {
		return models.LocationSample{}, false
	}
	return *group.lastKnown, true
}

// MemberCount number of sessions following the shipment
func (m *GroupMembership) MemberCount(shipmentID string) int {
	shard := m.shardFor(shipmentID)
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	group, ok := shard.groups[shipmentID]
	if !ok {
		return 0
	}
	group.lock.Lock()
	defer group.lock.Unlock()
	return len(group.members)
}

// GroupCount number of live tracking groups
func (m *GroupMembership) GroupCount() int {
	total := 0
	for _, shard := range m.shards {
		shard.lock.RLock()
		total += len(shard.groups)
		shard.lock.RUnlock()
	}
	return total
}
