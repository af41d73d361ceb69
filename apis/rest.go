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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livetrack/models"
	"github.com/alwitt/livetrack/tracking"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// =======================================================================
// Shipment status

// APIRestReqStatusChange shipment status change parameters
type APIRestReqStatusChange struct {
	// Status is the new shipment status
	Status models.ShipmentStatus `json:"status" validate:"required"`
	// ChangedAt is when the change happened. Defaults to now.
	ChangedAt *time.Time `json:"changed_at,omitempty"`
}

// UpdateStatus godoc
// @Summary Report a shipment status change
// @Description Report a shipment status change. A terminal status ends tracking of the
// @Description shipment for every connected client.
// @tags Shipment
// @Accept json
// @Produce json
// @Param Livetrack-Request-ID header string false "User provided request ID to match against logs"
// @Param shipmentID path string true "Shipment ID"
// @Param change body APIRestReqStatusChange true "New status"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Livetrack-Request-ID "Request ID to match against logs"
// @Router /v1/shipment/{shipmentID}/status [post]
func (h APIRestTrackingHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	localLogTags := extendLogTags(h.GetLogTagsForContext(r.Context()), r)
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	shipmentID, ok := mux.Vars(r)["shipmentID"]
	if !ok || shipmentID == "" {
		msg := "No shipment ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var params APIRestReqStatusChange
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	event := models.ShipmentStatusEvent{
		ShipmentID: shipmentID, Status: params.Status, ChangedAt: time.Now().UTC(),
	}
	if params.ChangedAt != nil {
		event.ChangedAt = *params.ChangedAt
	}

	if err := h.service.Lifecycle.HandleStatusChange(r.Context(), event); err != nil {
		if errors.Is(err, tracking.ErrInvalidPayload) {
			msg := "Invalid status change"
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
		msg := "Failed to process status change"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// UpdateStatusHandler Wrapper around UpdateStatus
func (h APIRestTrackingHandler) UpdateStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.UpdateStatus(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespLocation a shipment's last known location
type APIRestRespLocation struct {
	// Latitude in degrees
	Latitude float64 `json:"lat"`
	// Longitude in degrees
	Longitude float64 `json:"lng"`
	// Address is the human readable address, if known
	Address string `json:"address"`
	// CourierID is the courier who sent the sample
	CourierID string `json:"driver_id"`
	// Timestamp is when the sample was accepted
	Timestamp time.Time `json:"timestamp"`
}

// APIRestRespLastLocation response for querying a shipment's last known location
type APIRestRespLastLocation struct {
	goutils.RestAPIBaseResponse
	// Location is the last known location
	Location APIRestRespLocation `json:"location"`
}

// GetLocation godoc
// @Summary Query a shipment's last known location
// @Description Return the newest location sample accepted for a shipment since the
// @Description server started. The caller must be allowed to track the shipment.
// @tags Shipment
// @Produce json
// @Param Livetrack-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer credential"
// @Param shipmentID path string true "Shipment ID"
// @Success 200 {object} APIRestRespLastLocation "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Livetrack-Request-ID "Request ID to match against logs"
// @Router /v1/shipment/{shipmentID}/location [get]
func (h APIRestTrackingHandler) GetLocation(w http.ResponseWriter, r *http.Request) {
	localLogTags := extendLogTags(h.GetLogTagsForContext(r.Context()), r)
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	shipmentID := mux.Vars(r)["shipmentID"]
	actor, err := h.service.Gateway.Authenticate(r.Context(), readCredential(r))
	if err != nil {
		msg := "Invalid or missing credential"
		log.WithError(err).WithFields(localLogTags).Warn(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}
	if !h.service.Permissions.CanObserve(r.Context(), actor, shipmentID) {
		msg := "You do not have access to track this shipment"
		log.WithFields(localLogTags).Warnf("%s: %s", actor, msg)
		respCode = http.StatusForbidden
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusForbidden, msg, msg)
		return
	}
	sample, ok := h.service.Membership.LastKnown(shipmentID)
	if !ok {
		msg := fmt.Sprintf("No location known for shipment %s", shipmentID)
		log.WithFields(localLogTags).Debug(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespLastLocation{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Location: APIRestRespLocation{
			Latitude:  sample.Latitude,
			Longitude: sample.Longitude,
			Address:   sample.Address,
			CourierID: sample.CourierID,
			Timestamp: sample.CapturedAt,
		},
	}
}

// GetLocationHandler Wrapper around GetLocation
func (h APIRestTrackingHandler) GetLocationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetLocation(w, r)
	}
}

// =======================================================================
// Courier sessions

// APIRestRespDisconnected response for disconnecting a courier
type APIRestRespDisconnected struct {
	goutils.RestAPIBaseResponse
	// Sessions is the number of sessions closed
	Sessions int `json:"sessions"`
}

// DisconnectCourier godoc
// @Summary Disconnect a courier
// @Description Close every live connection of a courier, e.g. after the courier was
// @Description deactivated.
// @tags Courier
// @Produce json
// @Param Livetrack-Request-ID header string false "User provided request ID to match against logs"
// @Param courierID path string true "Courier ID"
// @Success 200 {object} APIRestRespDisconnected "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Livetrack-Request-ID "Request ID to match against logs"
// @Router /v1/courier/{courierID}/sessions [delete]
func (h APIRestTrackingHandler) DisconnectCourier(w http.ResponseWriter, r *http.Request) {
	localLogTags := extendLogTags(h.GetLogTagsForContext(r.Context()), r)
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	courierID, ok := mux.Vars(r)["courierID"]
	if !ok || courierID == "" {
		msg := "No courier ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	closed := h.service.Gateway.DisconnectCourier(
		courierID, tracking.CloseAuthorizationDenied, "courier disconnected",
	)
	log.WithFields(localLogTags).Infof("Closed %d sessions of courier %s", closed, courierID)

	respCode = http.StatusOK
	respBody = APIRestRespDisconnected{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Sessions: closed,
	}
}

// DisconnectCourierHandler Wrapper around DisconnectCourier
func (h APIRestTrackingHandler) DisconnectCourierHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DisconnectCourier(w, r)
	}
}

// =======================================================================
// Health

// Alive godoc
// @Summary For gateway liveness check
// @Description Will return success to indicate the gateway is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h APIRestTrackingHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestTrackingHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For gateway readiness check
// @Description Will return success if the gateway's dependencies are usable
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestTrackingHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	for _, check := range h.readiness {
		if err := check(); err != nil {
			msg := "not ready"
			log.WithError(err).WithFields(localLogTags).Warn(msg)
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			)
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestTrackingHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
