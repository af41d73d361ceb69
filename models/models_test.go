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
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestParseInboundMessage(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	// Case 0: not JSON
	{
		_, err := ParseInboundMessage([]byte("hello"), validate)
		assert.NotNil(err)
	}

	// Case 1: full location update
	{
		msg, err := ParseInboundMessage(
			[]byte(`{"type":"location_update","lat":28.6139,"lng":77.2090,"address":"Delhi","shipment_id":"s1"}`),
			validate,
		)
		assert.Nil(err)
		assert.Equal(MsgLocationUpdate, msg.Type)
		assert.NotNil(msg.Location)
		assert.Nil(msg.Shipment)
		assert.InDelta(28.6139, *msg.Location.Lat, 1e-9)
		assert.InDelta(77.2090, *msg.Location.Lng, 1e-9)
		assert.Equal("Delhi", msg.Location.Address)
		assert.Equal("s1", msg.Location.ShipmentID)
	}

	// Case 2: missing type defaults to location update; zero coordinates are allowed
	{
		msg, err := ParseInboundMessage([]byte(`{"lat":0,"lng":0}`), validate)
		assert.Nil(err)
		assert.Equal(MsgLocationUpdate, msg.Type)
		assert.Equal("", msg.Location.ShipmentID)
	}

	// Case 3: missing longitude
	{
		_, err := ParseInboundMessage([]byte(`{"type":"location_update","lat":10}`), validate)
		assert.NotNil(err)
	}

	// Case 4: subscribe
	{
		msg, err := ParseInboundMessage(
			[]byte(`{"type":"subscribe_shipment","shipment_id":"s2"}`), validate,
		)
		assert.Nil(err)
		assert.Equal("s2", msg.Shipment.ShipmentID)
	}

	// Case 5: unsubscribe without shipment
	{
		_, err := ParseInboundMessage([]byte(`{"type":"unsubscribe_shipment"}`), validate)
		assert.NotNil(err)
	}

	// Case 6: unknown type
	{
		_, err := ParseInboundMessage([]byte(`{"type":"reboot"}`), validate)
		assert.NotNil(err)
	}
}

func TestDriverLocationMessageShape(t *testing.T) {
	assert := assert.New(t)

	captured := time.Date(2022, 5, 1, 10, 30, 0, 0, time.UTC)
	sample := LocationSample{
		Latitude:   0,
		Longitude:  77.2090,
		Address:    "",
		CapturedAt: captured,
		CourierID:  "c1",
		ShipmentID: "s1",
	}
	serialized, err := json.Marshal(NewDriverLocationMessage(sample))
	assert.Nil(err)

	var flat map[string]interface{}
	assert.Nil(json.Unmarshal(serialized, &flat))
	assert.Equal("driver_location", flat["type"])
	assert.Equal("c1", flat["driver_id"])
	assert.Equal("s1", flat["shipment_id"])
	assert.Equal(0.0, flat["lat"])
	assert.Equal(77.2090, flat["lng"])
	assert.Equal("", flat["address"])
	assert.Equal("2022-05-01T10:30:00Z", flat["timestamp"])
	_, nested := flat["location"]
	assert.False(nested)

	var decoded OutboundMessage
	assert.Nil(json.Unmarshal(serialized, &decoded))
	rebuilt, err := decoded.Sample()
	assert.Nil(err)
	assert.Equal(sample, rebuilt)

	_, err = NewErrorMessage("boom").Sample()
	assert.NotNil(err)
}

func TestShipmentHelpers(t *testing.T) {
	assert := assert.New(t)

	assert.True(StatusDelivered.IsTerminal())
	assert.True(StatusCancelled.IsTerminal())
	assert.True(StatusFailed.IsTerminal())
	assert.False(StatusInTransit.IsTerminal())

	shipment := Shipment{ID: "s1", Status: StatusInTransit, CourierID: "c1", OwnerID: "o1"}
	assert.True(shipment.AssignedTo("c1"))
	assert.False(shipment.AssignedTo("c2"))
	assert.False(shipment.AssignedTo(""))
	shipment.Status = StatusDelivered
	assert.False(shipment.AssignedTo("c1"))

	role, err := ParseRole("driver")
	assert.Nil(err)
	assert.Equal(RoleCourier, role)
	role, err = ParseRole("Admin")
	assert.Nil(err)
	assert.Equal(RoleAdministrator, role)
	_, err = ParseRole("janitor")
	assert.NotNil(err)

	assert.True(ValidCoordinates(90, -180))
	assert.False(ValidCoordinates(90.0001, 0))
	assert.False(ValidCoordinates(0, 180.5))
}
