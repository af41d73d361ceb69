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
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Inbound message types
const (
	MsgLocationUpdate      = "location_update"
	MsgSubscribeShipment   = "subscribe_shipment"
	MsgUnsubscribeShipment = "unsubscribe_shipment"
)

// Outbound message types
const (
	MsgDriverLocation = "driver_location"
	MsgSubscribed     = "subscribed"
	MsgUnsubscribed   = "unsubscribed"
	MsgTrackingEnded  = "tracking_ended"
	MsgError          = "error"
)

// LocationUpdate body of a location_update message
type LocationUpdate struct {
	Lat        *float64 `json:"lat" validate:"required"`
	Lng        *float64 `json:"lng" validate:"required"`
	Address    string   `json:"address" validate:"max=255"`
	ShipmentID string   `json:"shipment_id,omitempty" validate:"omitempty,max=64"`
}

// ShipmentRef body of a subscribe_shipment / unsubscribe_shipment message
type ShipmentRef struct {
	ShipmentID string `json:"shipment_id" validate:"required,max=64"`
}

// InboundMessage one decoded client message. Only the body matching Type is set.
type InboundMessage struct {
	Type     string
	Location *LocationUpdate
	Shipment *ShipmentRef
}

type inboundEnvelope struct {
	Type string `json:"type"`
}

// ParseInboundMessage decode and validate one client message
//
// A message without a type is treated as a location_update.
func ParseInboundMessage(raw []byte, validate *validator.Validate) (InboundMessage, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return InboundMessage{}, fmt.Errorf("invalid JSON format: %w", err)
	}
	if envelope.Type == "" {
		envelope.Type = MsgLocationUpdate
	}
	result := InboundMessage{Type: envelope.Type}
	switch envelope.Type {
	case MsgLocationUpdate:
		var body LocationUpdate
		if err := json.Unmarshal(raw, &body); err != nil {
			return InboundMessage{}, fmt.Errorf("invalid location update: %w", err)
		}
		if err := validate.Struct(&body); err != nil {
			return InboundMessage{}, fmt.Errorf("latitude and longitude are required: %w", err)
		}
		result.Location = &body
	case MsgSubscribeShipment, MsgUnsubscribeShipment:
		var body ShipmentRef
		if err := json.Unmarshal(raw, &body); err != nil {
			return InboundMessage{}, fmt.Errorf("invalid shipment reference: %w", err)
		}
		if err := validate.Struct(&body); err != nil {
			return InboundMessage{}, fmt.Errorf("shipment_id is required: %w", err)
		}
		result.Shipment = &body
	default:
		return InboundMessage{}, fmt.Errorf("unknown message type '%s'", envelope.Type)
	}
	return result, nil
}

// OutboundMessage one message sent to a client
//
// The fields set depend on Type. Pointers keep legitimate zero values (e.g. a latitude
// of 0) on the wire.
type OutboundMessage struct {
	Type       string     `json:"type"`
	DriverID   string     `json:"driver_id,omitempty"`
	Lat        *float64   `json:"lat,omitempty"`
	Lng        *float64   `json:"lng,omitempty"`
	Address    *string    `json:"address,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	ShipmentID string     `json:"shipment_id,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// Sample rebuild the location sample carried by a driver_location message
func (m OutboundMessage) Sample() (LocationSample, error) {
	if m.Type != MsgDriverLocation || m.Lat == nil || m.Lng == nil {
		return LocationSample{}, fmt.Errorf("message %s carries no location", m.Type)
	}
	sample := LocationSample{
		Latitude:   *m.Lat,
		Longitude:  *m.Lng,
		CourierID:  m.DriverID,
		ShipmentID: m.ShipmentID,
	}
	if m.Address != nil {
		sample.Address = *m.Address
	}
	if m.Timestamp != nil {
		sample.CapturedAt = *m.Timestamp
	}
	return sample, nil
}

// NewDriverLocationMessage define a driver_location message for one sample
func NewDriverLocationMessage(sample LocationSample) OutboundMessage {
	lat := sample.Latitude
	lng := sample.Longitude
	address := sample.Address
	timestamp := sample.CapturedAt
	return OutboundMessage{
		Type:       MsgDriverLocation,
		DriverID:   sample.CourierID,
		Lat:        &lat,
		Lng:        &lng,
		Address:    &address,
		Timestamp:  &timestamp,
		ShipmentID: sample.ShipmentID,
	}
}

// NewSubscribedMessage define a subscribed acknowledgement
func NewSubscribedMessage(shipmentID string) OutboundMessage {
	return OutboundMessage{Type: MsgSubscribed, ShipmentID: shipmentID}
}

// NewUnsubscribedMessage define an unsubscribed acknowledgement
func NewUnsubscribedMessage(shipmentID string) OutboundMessage {
	return OutboundMessage{Type: MsgUnsubscribed, ShipmentID: shipmentID}
}

// NewTrackingEndedMessage define a tracking_ended notification
func NewTrackingEndedMessage(shipmentID string, status ShipmentStatus) OutboundMessage {
	return OutboundMessage{
		Type:       MsgTrackingEnded,
		ShipmentID: shipmentID,
		Message:    fmt.Sprintf("Tracking ended: shipment is %s", status),
	}
}

// NewErrorMessage define an error message
func NewErrorMessage(message string) OutboundMessage {
	return OutboundMessage{Type: MsgError, Message: message}
}

// ClientMessage one message sent by a tracking client
type ClientMessage struct {
	Type       string   `json:"type"`
	Lat        *float64 `json:"lat,omitempty"`
	Lng        *float64 `json:"lng,omitempty"`
	Address    string   `json:"address,omitempty"`
	ShipmentID string   `json:"shipment_id,omitempty"`
}

// NewLocationUpdateRequest define a location_update client message
func NewLocationUpdateRequest(lat, lng float64, address, shipmentID string) ClientMessage {
	return ClientMessage{
		Type: MsgLocationUpdate, Lat: &lat, Lng: &lng, Address: address, ShipmentID: shipmentID,
	}
}

// NewSubscribeRequest define a subscribe_shipment client message
func NewSubscribeRequest(shipmentID string) ClientMessage {
	return ClientMessage{Type: MsgSubscribeShipment, ShipmentID: shipmentID}
}

// NewUnsubscribeRequest define an unsubscribe_shipment client message
func NewUnsubscribeRequest(shipmentID string) ClientMessage {
	return ClientMessage{Type: MsgUnsubscribeShipment, ShipmentID: shipmentID}
}
