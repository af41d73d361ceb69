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

package apis

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// BuildTrackingRouter define the gateway routes under the path prefix
func BuildTrackingRouter(httpHandler APIRestTrackingHandler, pathPrefix string) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	// Live tracking
	_ = RegisterPathPrefix(mainRouter, "/v1/track", map[string]http.HandlerFunc{
		"get": httpHandler.TrackHandler(),
	})

	// Shipment
	shipmentRouter := RegisterPathPrefix(mainRouter, "/v1/shipment/{shipmentID}", nil)
	_ = RegisterPathPrefix(shipmentRouter, "/status", map[string]http.HandlerFunc{
		"post": httpHandler.UpdateStatusHandler(),
	})
	_ = RegisterPathPrefix(shipmentRouter, "/location", map[string]http.HandlerFunc{
		"get": httpHandler.GetLocationHandler(),
	})

	// Courier
	_ = RegisterPathPrefix(
		mainRouter, "/v1/courier/{courierID}/sessions", map[string]http.HandlerFunc{
			"delete": httpHandler.DisconnectCourierHandler(),
		},
	)

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/v1/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add request ID and logging
	router.Use(httpHandler.Middleware)
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})
	return router
}
