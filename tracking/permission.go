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

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/directory"
	"github.com/alwitt/livetrack/models"
	"github.com/apex/log"
)

// PermissionResolver decides what an actor may do with a shipment
type PermissionResolver interface {
	// CanPublish whether the actor may publish location samples for the shipment
	CanPublish(ctxt context.Context, actor models.Actor, shipmentID string) bool
	// CanObserve whether the actor may join the shipment's tracking group
	CanObserve(ctxt context.Context, actor models.Actor, shipmentID string) bool
}

// RoleMayPublish whether the role can ever publish location samples
func RoleMayPublish(role models.Role) bool {
	switch role {
	case models.RoleCourier:
		return true
	case models.RoleObserver, models.RoleAdministrator, models.RoleUnknown:
		return false
	}
	return false
}

// directoryPermissionResolver implements PermissionResolver against the shipment directory
type directoryPermissionResolver struct {
	common.Component
	directory  directory.ShipmentDirectory
	crossCheck bool
}

// GetPermissionResolver define a new PermissionResolver
//
// Every decision consults the directory; any directory failure is a denial. With
// crossCheck, positive decisions must also be confirmed by the directory's own access
// verification.
func GetPermissionResolver(
	shipments directory.ShipmentDirectory, crossCheck bool,
) PermissionResolver {
	return &directoryPermissionResolver{
		Component: common.Component{
			LogTags: log.Fields{"module": "tracking", "component": "permission-resolver"},
		},
		directory:  shipments,
		crossCheck: crossCheck,
	}
}

func (r *directoryPermissionResolver) lookup(
	ctxt context.Context, actor models.Actor, shipmentID string,
) (models.Shipment, bool) {
	shipment, err := r.directory.GetShipment(ctxt, shipmentID)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Shipment lookup for %s on %s failed", actor, shipmentID,
		)
		return models.Shipment{}, false
	}
	return shipment, true
}

func (r *directoryPermissionResolver) confirm(
	ctxt context.Context, actor models.Actor, shipmentID string,
) bool {
	if !r.crossCheck {
		return true
	}
	allowed, err := r.directory.VerifyAccess(ctxt, actor, shipmentID)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Access verification for %s on %s failed", actor, shipmentID,
		)
		return false
	}
	if !allowed {
		log.WithFields(r.LogTags).Warnf(
			"Directory refused %s on %s after local approval", actor, shipmentID,
		)
	}
	return allowed
}

// CanPublish whether the actor may publish location samples for the shipment
func (r *directoryPermissionResolver) CanPublish(
	ctxt context.Context, actor models.Actor, shipmentID string,
) bool {
	if !RoleMayPublish(actor.Role) {
		return false
	}
	shipment, ok := r.lookup(ctxt, actor, shipmentID)
	if !ok || !shipment.AssignedTo(actor.ID) {
		return false
	}
	return r.confirm(ctxt, actor, shipmentID)
}

// CanObserve whether the actor may join the shipment's tracking group
func (r *directoryPermissionResolver) CanObserve(
	ctxt context.Context, actor models.Actor, shipmentID string,
) bool {
	shipment, ok := r.lookup(ctxt, actor, shipmentID)
	if !ok {
		return false
	}
	allowed := false
	switch actor.Role {
	case models.RoleCourier:
		allowed = shipment.AssignedTo(actor.ID)
	case models.RoleObserver:
		allowed = len(actor.ID) > 0 && shipment.OwnerID == actor.ID
	case models.RoleAdministrator:
		allowed = true
	case models.RoleUnknown:
		allowed = false
	}
	if !allowed {
		return false
	}
	return r.confirm(ctxt, actor, shipmentID)
}
