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

package models

import (
	"fmt"
	"strings"
)

// Role is the closed set of actor roles known to the tracking system
type Role int

const (
	// RoleUnknown is the zero value and is never granted anything
	RoleUnknown Role = iota
	// RoleCourier is the actor physically moving a shipment
	RoleCourier
	// RoleObserver is a shipment owner watching its shipments
	RoleObserver
	// RoleAdministrator may observe any shipment
	RoleAdministrator
)

// String toString function
func (r Role) String() string {
	switch r {
	case RoleCourier:
		return "courier"
	case RoleObserver:
		return "observer"
	case RoleAdministrator:
		return "administrator"
	case RoleUnknown:
		return "unknown"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole convert the string form of a role
func ParseRole(role string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "courier", "driver":
		return RoleCourier, nil
	case "observer", "client", "owner":
		return RoleObserver, nil
	case "administrator", "admin":
		return RoleAdministrator, nil
	}
	return RoleUnknown, fmt.Errorf("unknown role '%s'", role)
}

// Actor is a verified identity attached to a connection
type Actor struct {
	// ID is the actor's user ID
	ID string `json:"id" validate:"required"`
	// Role is the actor's role
	Role Role `json:"role" validate:"required,gt=0"`
}

// String toString function
func (a Actor) String() string {
	return fmt.Sprintf("%s/%s", a.Role, a.ID)
}
