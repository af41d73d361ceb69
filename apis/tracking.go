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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/models"
	"github.com/alwitt/livetrack/tracking"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// ReadinessCheck reports whether a dependency of the server is usable
type ReadinessCheck func() error

// APIRestTrackingHandler REST and WebSocket handlers of the tracking gateway
type APIRestTrackingHandler struct {
	goutils.RestAPIHandler
	service         *tracking.Service
	settings        common.TrackingConfig
	upgrader        websocket.Upgrader
	validate        *validator.Validate
	readiness       []ReadinessCheck
	requestIDHeader string
}

// GetAPIRestTrackingHandler define APIRestTrackingHandler
func GetAPIRestTrackingHandler(
	service *tracking.Service,
	httpConfig *common.HTTPConfig,
	settings common.TrackingConfig,
	readiness ...ReadinessCheck,
) (APIRestTrackingHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "tracking",
	}
	if service == nil {
		return APIRestTrackingHandler{}, fmt.Errorf("tracking service missing")
	}
	if err := validator.New().Struct(&settings); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid tracking settings")
		return APIRestTrackingHandler{}, err
	}
	return APIRestTrackingHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		service:  service,
		settings: settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: common.Seconds(settings.WriteTimeout),
			// Browser origin policy is left to the fronting proxy
			CheckOrigin: func(*http.Request) bool { return true },
		},
		validate:        validator.New(),
		readiness:       readiness,
		requestIDHeader: httpConfig.Logging.RequestIDHeader,
	}, nil
}

// Write logging support
func (h APIRestTrackingHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// Middleware attach request IDs to every call
func (h APIRestTrackingHandler) Middleware(next http.Handler) http.Handler {
	return attachRequestID(h.requestIDHeader, next)
}

// readCredential read the caller's credential from the "token" query parameter or the
// bearer authorization header
func readCredential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// -----------------------------------------------------------------------

// Track godoc
// @Summary Open a live tracking connection
// @Description Upgrade to a WebSocket carrying location updates for the caller's
// @Description shipments. Couriers publish "location_update" messages; everyone may
// @Description send "subscribe_shipment" / "unsubscribe_shipment".
// @tags Tracking
// @Param token query string false "Credential; may also be sent as a bearer token"
// @Param shipment_id query string false "Shipment to start tracking right away"
// @Success 101 {string} string "switching protocols"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/track [get]
func (h APIRestTrackingHandler) Track(w http.ResponseWriter, r *http.Request) {
	localLogTags := extendLogTags(h.GetLogTagsForContext(r.Context()), r)
	localLogTags["remote"] = r.RemoteAddr
	token := readCredential(r)
	shipmentID := r.URL.Query().Get("shipment_id")

	// Reject before upgrading when possible, so clients see a plain HTTP status
	actor, err := h.service.Gateway.Authenticate(r.Context(), token)
	if err != nil {
		msg := "Invalid or missing credential"
		log.WithError(err).WithFields(localLogTags).Warn(msg)
		h.replyError(w, r, http.StatusUnauthorized, msg, err.Error())
		return
	}
	localLogTags["actor"] = actor.String()
	if shipmentID != "" && !h.service.Permissions.CanObserve(r.Context(), actor, shipmentID) {
		msg := "You do not have access to track this shipment"
		log.WithFields(localLogTags).Warn(msg)
		h.replyError(w, r, http.StatusForbidden, msg, msg)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}
	transport := newWSTransport(
		conn,
		h.settings.OutboundQueueLen,
		common.Seconds(h.settings.WriteTimeout),
		common.Seconds(h.settings.PingInterval),
		localLogTags,
	)
	go transport.runWriter()
	defer transport.waitForWriter(common.Seconds(h.settings.WriteTimeout) * 2)

	session, err := h.service.Gateway.Admit(r.Context(), tracking.HandshakeParams{
		Token:             token,
		InitialShipmentID: shipmentID,
		RemoteAddr:        r.RemoteAddr,
		Transport:         transport,
	})
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Warn("Connection rejected")
		_ = transport.Close(tracking.CloseCodeFor(err), rejectionText(err))
		return
	}

	h.readLoop(r.Context(), conn, session)
	if err := h.service.Gateway.Release(
		session, tracking.CloseNormal, "connection ended",
	); err != nil {
		log.WithError(err).WithFields(session.LogTags).Error("Session release failed")
	}
}

// TrackHandler Wrapper around Track
func (h APIRestTrackingHandler) TrackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Track(w, r)
	}
}

// readLoop process client messages until the connection fails or closes
func (h APIRestTrackingHandler) readLoop(
	ctxt context.Context, conn *websocket.Conn, session *tracking.Session,
) {
	pongWait := common.Seconds(h.settings.PingInterval) * 2
	conn.SetReadLimit(h.settings.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived,
			) {
				log.WithError(err).WithFields(session.LogTags).Error("Connection read failed")
			} else {
				log.WithError(err).WithFields(session.LogTags).Debug("Connection ended")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.processMessage(ctxt, session, raw)
	}
}

// processMessage handle one client message. Failures are reported back as "error"
// messages; the connection stays open.
func (h APIRestTrackingHandler) processMessage(
	ctxt context.Context, session *tracking.Session, raw []byte,
) {
	msg, err := models.ParseInboundMessage(raw, h.validate)
	if err != nil {
		log.WithError(err).WithFields(session.LogTags).Warn("Unusable client message")
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			_ = session.Deliver(models.NewErrorMessage("Invalid JSON format"))
		} else {
			_ = session.Deliver(models.NewErrorMessage(capitalize(err.Error())))
		}
		return
	}
	switch msg.Type {
	case models.MsgLocationUpdate:
		sample := models.LocationSample{
			Latitude:   *msg.Location.Lat,
			Longitude:  *msg.Location.Lng,
			Address:    msg.Location.Address,
			ShipmentID: msg.Location.ShipmentID,
		}
		if err := h.service.Broadcaster.Publish(ctxt, session, sample); err != nil {
			_ = session.Deliver(models.NewErrorMessage(rejectionText(err)))
		}
	case models.MsgSubscribeShipment:
		if err := h.service.Gateway.Subscribe(ctxt, session, msg.Shipment.ShipmentID); err != nil {
			_ = session.Deliver(models.NewErrorMessage(rejectionText(err)))
		}
	case models.MsgUnsubscribeShipment:
		if !h.service.Gateway.Unsubscribe(session, msg.Shipment.ShipmentID) {
			_ = session.Deliver(models.NewErrorMessage(
				fmt.Sprintf("Not tracking shipment %s", msg.Shipment.ShipmentID),
			))
		}
	}
}

// rejectionText the client facing text for a rejection
func rejectionText(err error) string {
	var rejected *tracking.RejectedError
	if errors.As(err, &rejected) {
		switch rejected.Reason {
		case tracking.ReasonInvalidCoordinates:
			return "Latitude must be within [-90, 90] and longitude within [-180, 180]"
		case tracking.ReasonInvalidPayload:
			return "No shipment to send the location update to"
		case tracking.ReasonUnauthorized:
			if len(rejected.ShipmentIDs) == 0 {
				return "Only couriers can send location updates"
			}
			return fmt.Sprintf(
				"Not assigned to shipment %s", strings.Join(rejected.ShipmentIDs, ", "),
			)
		}
	}
	switch {
	case errors.Is(err, tracking.ErrAuthenticationFailed):
		return "Invalid or missing credential"
	case errors.Is(err, tracking.ErrAuthorizationDenied):
		return "You do not have access to track this shipment"
	case errors.Is(err, tracking.ErrTrackingEnded):
		return "Tracking has ended for this shipment"
	case errors.Is(err, tracking.ErrSessionClosed):
		return "Connection is closing"
	}
	return "Internal error"
}

func capitalize(text string) string {
	if len(text) == 0 {
		return text
	}
	return strings.ToUpper(text[:1]) + text[1:]
}

func (h APIRestTrackingHandler) replyError(
	w http.ResponseWriter, r *http.Request, code int, msg string, detail string,
) {
	if err := h.WriteRESTResponse(
		w, code, h.GetStdRESTErrorMsg(r.Context(), code, msg, detail), nil,
	); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Failed to form response")
	}
}
