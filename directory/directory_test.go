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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livetrack/models"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestStaticDirectory(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	seed := []byte(`---
shipments:
  - id: s1
    status: in_transit
    courier_id: c1
    owner_id: o1
    pickup: {lat: 28.7041, lng: 77.1025}
    drop: {lat: 28.5355, lng: 77.3910}
  - id: s2
    status: delivered
    courier_id: c1
    owner_id: o2
  - id: s3
    status: assigned
    courier_id: c2
    owner_id: o1
`)
	seedFile := filepath.Join(t.TempDir(), "shipments.yaml")
	assert.Nil(os.WriteFile(seedFile, seed, 0o600))

	uut, err := LoadStaticDirectory(seedFile)
	assert.Nil(err)
	ctxt := context.Background()

	// Case 1: lookup
	{
		shipment, err := uut.GetShipment(ctxt, "s1")
		assert.Nil(err)
		assert.Equal("o1", shipment.OwnerID)
		assert.InDelta(28.7041, shipment.Pickup.Latitude, 1e-9)
		assert.InDelta(77.3910, shipment.Drop.Longitude, 1e-9)
		_, err = uut.GetShipment(ctxt, "s9")
		assert.True(errors.Is(err, ErrShipmentNotFound))
	}

	// Case 2: active assignments exclude terminal shipments
	{
		active, err := uut.ListActiveShipments(ctxt, "c1")
		assert.Nil(err)
		assert.Len(active, 1)
		assert.Equal("s1", active[0].ID)
	}

	// Case 3: reassignment
	{
		assert.Nil(uut.Assign("s3", "c1"))
		active, err := uut.ListActiveShipments(ctxt, "c1")
		assert.Nil(err)
		assert.Len(active, 2)
		assert.Equal("s3", active[1].ID)
		active, err = uut.ListActiveShipments(ctxt, "c2")
		assert.Nil(err)
		assert.Len(active, 0)
	}

	// Case 4: access verification
	{
		allowed, err := uut.VerifyAccess(ctxt, models.Actor{ID: "o1", Role: models.RoleObserver}, "s1")
		assert.Nil(err)
		assert.True(allowed)
		allowed, err = uut.VerifyAccess(ctxt, models.Actor{ID: "o2", Role: models.RoleObserver}, "s1")
		assert.Nil(err)
		assert.False(allowed)
		allowed, err = uut.VerifyAccess(
			ctxt, models.Actor{ID: "a1", Role: models.RoleAdministrator}, "s2",
		)
		assert.Nil(err)
		assert.True(allowed)
	}

	// Case 5: invalid records
	{
		assert.NotNil(uut.Upsert(models.Shipment{ID: "s4", Status: models.StatusPending}))
		assert.NotNil(uut.SetStatus("s9", models.StatusDelivered))
	}
}

func TestRESTDirectory(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	shipments := map[string]models.Shipment{
		"s1": {ID: "s1", Status: models.StatusInTransit, CourierID: "c1", OwnerID: "o1"},
		"s2": {ID: "s2", Status: models.StatusDelivered, CourierID: "c1", OwnerID: "o1"},
	}
	var lock sync.Mutex
	failing := false
	requestIDs := []string{}
	setFailing := func(v bool) {
		lock.Lock()
		defer lock.Unlock()
		failing = v
	}

	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lock.Lock()
			requestIDs = append(requestIDs, r.Header.Get("Livetrack-Request-ID"))
			fail := failing
			lock.Unlock()
			if fail {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	router.HandleFunc("/v1/shipments/{id}", func(w http.ResponseWriter, r *http.Request) {
		shipment, ok := shipments[mux.Vars(r)["id"]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(&shipment)
	})
	router.HandleFunc("/v1/shipments/{id}/access", func(w http.ResponseWriter, r *http.Request) {
		shipment, ok := shipments[mux.Vars(r)["id"]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		actorID := r.URL.Query().Get("actor_id")
		allowed := false
		switch r.URL.Query().Get("role") {
		case "courier":
			allowed = shipment.CourierID == actorID
		case "observer":
			allowed = shipment.OwnerID == actorID
		case "administrator":
			allowed = true
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"allowed": allowed})
	})
	router.HandleFunc("/v1/couriers/{id}/shipments", func(w http.ResponseWriter, r *http.Request) {
		// Deliberately include the terminal shipment
		result := []models.Shipment{}
		for _, shipment := range shipments {
			if shipment.CourierID == mux.Vars(r)["id"] {
				result = append(result, shipment)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"shipments": result})
	})
	server := httptest.NewServer(router)
	defer server.Close()

	_, err := GetRESTDirectory(RESTDirectoryParams{BaseURL: "not a url", RequestTimeout: time.Second})
	assert.NotNil(err)

	uut, err := GetRESTDirectory(RESTDirectoryParams{
		BaseURL: server.URL + "/", RequestTimeout: time.Second,
	})
	assert.Nil(err)
	ctxt := context.Background()

	// Case 1: lookup
	{
		shipment, err := uut.GetShipment(ctxt, "s1")
		assert.Nil(err)
		assert.Equal("c1", shipment.CourierID)
		_, err = uut.GetShipment(ctxt, "s9")
		assert.True(errors.Is(err, ErrShipmentNotFound))
	}

	// Case 2: courier listing is filtered to active shipments
	{
		active, err := uut.ListActiveShipments(ctxt, "c1")
		assert.Nil(err)
		assert.Len(active, 1)
		assert.Equal("s1", active[0].ID)
	}

	// Case 3: access verification
	{
		allowed, err := uut.VerifyAccess(ctxt, models.Actor{ID: "o1", Role: models.RoleObserver}, "s1")
		assert.Nil(err)
		assert.True(allowed)
		allowed, err = uut.VerifyAccess(ctxt, models.Actor{ID: "c2", Role: models.RoleCourier}, "s1")
		assert.Nil(err)
		assert.False(allowed)
		allowed, err = uut.VerifyAccess(ctxt, models.Actor{ID: "o1", Role: models.RoleObserver}, "s9")
		assert.Nil(err)
		assert.False(allowed)
	}

	// Case 4: upstream failure
	{
		setFailing(true)
		_, err := uut.GetShipment(ctxt, "s1")
		assert.True(errors.Is(err, ErrUnavailable))
		_, err = uut.ListActiveShipments(ctxt, "c1")
		assert.True(errors.Is(err, ErrUnavailable))
		_, err = uut.VerifyAccess(ctxt, models.Actor{ID: "o1", Role: models.RoleObserver}, "s1")
		assert.True(errors.Is(err, ErrUnavailable))
		setFailing(false)
	}

	// Every call carries a request ID
	lock.Lock()
	defer lock.Unlock()
	assert.NotEmpty(requestIDs)
	for _, reqID := range requestIDs {
		assert.NotEmpty(reqID)
	}
}
