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
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/models"
	"github.com/apex/log"
)

// LocationBroadcaster accepts courier location samples and fans them out
type LocationBroadcaster struct {
	common.Component
	membership  *GroupMembership
	permissions PermissionResolver
	throttler   *PersistenceThrottler
	now         func() time.Time
}

// NewLocationBroadcaster define a new LocationBroadcaster
func NewLocationBroadcaster(
	membership *GroupMembership,
	permissions PermissionResolver,
	throttler *PersistenceThrottler,
) *LocationBroadcaster {
	return &LocationBroadcaster{
		Component: common.Component{
			LogTags: log.Fields{"module": "tracking", "component": "location-broadcaster"},
		},
		membership:  membership,
		permissions: permissions,
		throttler:   throttler,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Publish process one location sample from a session
//
// The sample goes to its explicit shipment, or to every shipment the session
// follows. Targets the courier is not currently assigned to are skipped and
// reported in the returned *RejectedError; the remaining targets still receive the
// sample.
func (b *LocationBroadcaster) Publish(
	ctxt context.Context, session *Session, sample models.LocationSample,
) error {
	localLogTags := session.ExtendLogTags(log.Fields{"shipment": sample.ShipmentID})
	if !RoleMayPublish(session.Actor.Role) {
		log.WithFields(localLogTags).Warn("Non-courier attempted to publish")
		return newRejectedError(ReasonUnauthorized, ErrAuthorizationDenied)
	}
	if !sample.HasValidCoordinates() {
		log.WithFields(localLogTags).Warnf(
			"Rejecting out of range sample (%f, %f)", sample.Latitude, sample.Longitude,
		)
		return newRejectedError(ReasonInvalidCoordinates, ErrInvalidPayload)
	}

	targets := []string{sample.ShipmentID}
	if len(sample.ShipmentID) == 0 {
		targets = session.Shipments()
	}
	if len(targets) == 0 {
		log.WithFields(localLogTags).Warn("Sample has no target shipment")
		return newRejectedError(ReasonInvalidPayload, ErrInvalidPayload)
	}

	sample.CourierID = session.Actor.ID
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = b.now()
	}

	denied := []string{}
	for _, shipmentID := range targets {
		if !b.permissions.CanPublish(ctxt, session.Actor, shipmentID) {
			log.WithFields(localLogTags).Warnf("Not assigned to %s, sample dropped", shipmentID)
			denied = append(denied, shipmentID)
			continue
		}
		stamped := sample.ForShipment(shipmentID)
		delivered := b.membership.publishSample(stamped, session.ID)
		log.WithFields(localLogTags).Debugf("Sent %s to %d members", stamped, delivered)
		if b.throttler != nil {
			b.throttler.MaybePersist(ctxt, session, shipmentID, stamped)
		}
	}
	if len(denied) > 0 {
		return newRejectedError(ReasonUnauthorized, ErrAuthorizationDenied, denied...)
	}
	return nil
}
