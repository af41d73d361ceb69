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

package tracking

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthenticationFailed the connection credential could not be verified
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrAuthorizationDenied the actor may not perform the operation on the shipment
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrInvalidPayload the inbound message is malformed
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrPersistenceFailure a location sample could not be persisted
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrUpstreamUnavailable a collaborator could not be reached
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrTrackingEnded the shipment reached a terminal state
	ErrTrackingEnded = errors.New("tracking ended")
	// ErrSessionClosed the session is no longer open
	ErrSessionClosed = errors.New("session closed")
	// ErrSlowConsumer the session's outbound queue is full
	ErrSlowConsumer = errors.New("slow consumer")
)

// Rejection reasons reported back to the publishing client
const (
	ReasonInvalidCoordinates = "invalid_coordinates"
	ReasonUnauthorized       = "unauthorized"
	ReasonInvalidPayload     = "invalid_payload"
)

// RejectedError a location sample, or part of it, was rejected
type RejectedError struct {
	// Reason is the rejection reason
	Reason string
	// ShipmentIDs are the target shipments the rejection applies to, if any
	ShipmentIDs []string
	cause       error
}

// Error implements error
func (e *RejectedError) Error() string {
	if len(e.ShipmentIDs) == 0 {
		return fmt.Sprintf("sample rejected: %s", e.Reason)
	}
	return fmt.Sprintf(
		"sample rejected for [%s]: %s", strings.Join(e.ShipmentIDs, ","), e.Reason,
	)
}

// Unwrap return the taxonomy error behind the rejection
func (e *RejectedError) Unwrap() error {
	return e.cause
}

func newRejectedError(reason string, cause error, shipmentIDs ...string) *RejectedError {
	return &RejectedError{Reason: reason, ShipmentIDs: shipmentIDs, cause: cause}
}

// WebSocket close codes used when the gateway ends a connection
const (
	CloseNormal               = 1000
	CloseInternalError        = 1011
	CloseAuthenticationFailed = 4401
	CloseAuthorizationDenied  = 4403
	CloseSlowConsumer         = 4408
	CloseTrackingEnded        = 4410
)

// CloseCodeFor map an admission or session error to the close code sent to the client
func CloseCodeFor(err error) int {
	switch {
	case err == nil:
		return CloseNormal
	case errors.Is(err, ErrAuthenticationFailed):
		return CloseAuthenticationFailed
	case errors.Is(err, ErrAuthorizationDenied):
		return CloseAuthorizationDenied
	case errors.Is(err, ErrTrackingEnded):
		return CloseTrackingEnded
	case errors.Is(err, ErrSlowConsumer):
		return CloseSlowConsumer
	}
	return CloseInternalError
}
