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
	"time"
)

// ShipmentStatus is the lifecycle state of a shipment
type ShipmentStatus string

// Known shipment statuses
const (
	StatusPending        ShipmentStatus = "pending"
	StatusAssigned       ShipmentStatus = "assigned"
	StatusPickedUp       ShipmentStatus = "picked_up"
	StatusInTransit      ShipmentStatus = "in_transit"
	StatusOutForDelivery ShipmentStatus = "out_for_delivery"
	StatusDelivered      ShipmentStatus = "delivered"
	StatusCancelled      ShipmentStatus = "cancelled"
	StatusFailed         ShipmentStatus = "failed"
)

// IsTerminal whether no further transition can occur from this status
func (s ShipmentStatus) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Coordinates a point on the map
type Coordinates struct {
	Latitude  float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"lng" yaml:"lng" validate:"gte=-180,lte=180"`
}

// Shipment is the shipment record as supplied by the shipment directory
type Shipment struct {
	// ID is the shipment ID
	ID string `json:"id" yaml:"id" validate:"required"`
	// Status is the current shipment status
	Status ShipmentStatus `json:"status" yaml:"status" validate:"required"`
	// CourierID is the ID of the assigned courier. Empty if unassigned.
	CourierID string `json:"courier_id,omitempty" yaml:"courier_id"`
	// OwnerID is the ID of the user who owns the shipment
	OwnerID string `json:"owner_id" yaml:"owner_id" validate:"required"`
	// Pickup is the pickup location
	Pickup Coordinates `json:"pickup" yaml:"pickup"`
	// Drop is the drop off location
	Drop Coordinates `json:"drop" yaml:"drop"`
}

// AssignedTo whether the shipment is currently assigned to the courier
//
// A shipment in a terminal state is not assigned to anyone.
func (s Shipment) AssignedTo(courierID string) bool {
	return len(courierID) > 0 && s.CourierID == courierID && !s.Status.IsTerminal()
}

// ShipmentStatusEvent notification that a shipment changed status
type ShipmentStatusEvent struct {
	// ShipmentID is the shipment ID
	ShipmentID string `json:"shipment_id" validate:"required"`
	// Status is the new status
	Status ShipmentStatus `json:"status" validate:"required,oneof=pending assigned picked_up in_transit out_for_delivery delivered cancelled failed"`
	// ChangedAt is when the change happened
	ChangedAt time.Time `json:"changed_at"`
}

// String toString function
func (e ShipmentStatusEvent) String() string {
	return fmt.Sprintf("SHIPMENT[%s]->%s", e.ShipmentID, e.Status)
}
