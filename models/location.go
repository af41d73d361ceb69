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

// LocationSample one courier position report
//
// Samples are values; a newer sample supersedes an older one, it never modifies it.
type LocationSample struct {
	// Latitude in degrees
	Latitude float64 `json:"lat"`
	// Longitude in degrees
	Longitude float64 `json:"lng"`
	// Address is a free text label of the place
	Address string `json:"address"`
	// CapturedAt is when the gateway accepted the sample
	CapturedAt time.Time `json:"timestamp"`
	// CourierID is the publishing courier
	CourierID string `json:"driver_id"`
	// ShipmentID is the target shipment. Empty means every shipment the courier's
	// session currently follows.
	ShipmentID string `json:"shipment_id,omitempty"`
}

// ValidCoordinates whether the latitude and longitude are within range
func ValidCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// HasValidCoordinates whether the sample coordinates are within range
func (s LocationSample) HasValidCoordinates() bool {
	return ValidCoordinates(s.Latitude, s.Longitude)
}

// ForShipment return a copy of the sample addressed to a specific shipment
func (s LocationSample) ForShipment(shipmentID string) LocationSample {
	s.ShipmentID = shipmentID
	return s
}

// String toString function
func (s LocationSample) String() string {
	return fmt.Sprintf(
		"%s@(%.6f,%.6f)->%s", s.CourierID, s.Latitude, s.Longitude, s.ShipmentID,
	)
}
