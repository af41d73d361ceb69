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

package directory

import (
	"context"
	"errors"

	"github.com/alwitt/livetrack/models"
)

// ErrShipmentNotFound the directory has no record of the shipment
var ErrShipmentNotFound = errors.New("shipment not found")

// ErrUnavailable the directory could not be reached or gave an unusable answer
var ErrUnavailable = errors.New("shipment directory unavailable")

// ShipmentDirectory read-only lookup of shipment ownership, assignment, and state
type ShipmentDirectory interface {
	// GetShipment fetch one shipment record
	GetShipment(ctxt context.Context, shipmentID string) (models.Shipment, error)
	// ListActiveShipments fetch the shipments currently assigned to a courier which
	// are not in a terminal state
	ListActiveShipments(ctxt context.Context, courierID string) ([]models.Shipment, error)
	// VerifyAccess ask the directory whether an actor may access a shipment
	VerifyAccess(ctxt context.Context, actor models.Actor, shipmentID string) (bool, error)
}
