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
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// RESTDirectoryParams parameters for talking to the shipment directory REST API
type RESTDirectoryParams struct {
	// BaseURL is the API base URL
	BaseURL string `validate:"required,url"`
	// RequestTimeout is the max duration of one call
	RequestTimeout time.Duration `validate:"gt=0"`
	// RequestIDHeader is the header carrying the call's request ID
	RequestIDHeader string
	// Client is the HTTP client to use. http.DefaultClient is used if nil.
	Client *http.Client
}

// restDirectoryImpl implements ShipmentDirectory against the directory REST API
type restDirectoryImpl struct {
	common.Component
	params RESTDirectoryParams
	client *http.Client
}

// listShipmentsResponse body of the courier shipment listing call
type listShipmentsResponse struct {
	Shipments []models.Shipment `json:"shipments"`
}

// accessResponse body of the access verification call
type accessResponse struct {
	Allowed bool `json:"allowed"`
}

// GetRESTDirectory define a ShipmentDirectory backed by the directory REST API
func GetRESTDirectory(params RESTDirectoryParams) (ShipmentDirectory, error) {
	logTags := log.Fields{
		"module": "directory", "component": "rest-client", "instance": params.BaseURL,
	}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid directory parameters")
		return nil, err
	}
	params.BaseURL = strings.TrimRight(params.BaseURL, "/")
	if len(params.RequestIDHeader) == 0 {
		params.RequestIDHeader = "Livetrack-Request-ID"
	}
	client := params.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &restDirectoryImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		client:    client,
	}, nil
}

// get perform one GET call and decode the JSON response
//
// A 404 maps to ErrShipmentNotFound; transport failures, other non-2xx codes and
// undecodable bodies map to ErrUnavailable.
func (d *restDirectoryImpl) get(
	ctxt context.Context, path string, query url.Values, result interface{},
) error {
	useContext, cancel := context.WithTimeout(ctxt, d.params.RequestTimeout)
	defer cancel()
	target := d.params.BaseURL + path
	if len(query) > 0 {
		target = fmt.Sprintf("%s?%s", target, query.Encode())
	}
	requestID := uuid.NewString()
	localLogTags := d.ExtendLogTags(log.Fields{"request_id": requestID, "request_uri": target})
	req, err := http.NewRequestWithContext(useContext, http.MethodGet, target, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define request")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set(d.params.RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Directory call failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrShipmentNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		err := fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		log.WithError(err).WithFields(localLogTags).Error("Directory call rejected")
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to parse directory response")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	log.WithFields(localLogTags).Debug("Directory call complete")
	return nil
}

// GetShipment fetch one shipment record
func (d *restDirectoryImpl) GetShipment(
	ctxt context.Context, shipmentID string,
) (models.Shipment, error) {
	var shipment models.Shipment
	if err := d.get(
		ctxt, fmt.Sprintf("/v1/shipments/%s", url.PathEscape(shipmentID)), nil, &shipment,
	); err != nil {
		if err == ErrShipmentNotFound {
			return models.Shipment{}, fmt.Errorf("%w: %s", ErrShipmentNotFound, shipmentID)
		}
		return models.Shipment{}, err
	}
	if shipment.ID != shipmentID {
		return models.Shipment{}, fmt.Errorf(
			"%w: asked for shipment %s, got %s", ErrUnavailable, shipmentID, shipment.ID,
		)
	}
	return shipment, nil
}

// ListActiveShipments fetch the non-terminal shipments currently assigned to a courier
func (d *restDirectoryImpl) ListActiveShipments(
	ctxt context.Context, courierID string,
) ([]models.Shipment, error) {
	var resp listShipmentsResponse
	if err := d.get(
		ctxt, fmt.Sprintf("/v1/couriers/%s/shipments", url.PathEscape(courierID)), nil, &resp,
	); err != nil {
		if err == ErrShipmentNotFound {
			return []models.Shipment{}, nil
		}
		return nil, err
	}
	// The directory is expected to filter, but never trust a stale entry
	result := []models.Shipment{}
	for _, shipment := range resp.Shipments {
		if shipment.AssignedTo(courierID) {
			result = append(result, shipment)
		}
	}
	return result, nil
}

// VerifyAccess ask the directory whether an actor may access a shipment
func (d *restDirectoryImpl) VerifyAccess(
	ctxt context.Context, actor models.Actor, shipmentID string,
) (bool, error) {
	var resp accessResponse
	query := url.Values{}
	query.Set("actor_id", actor.ID)
	query.Set("role", actor.Role.String())
	if err := d.get(
		ctxt, fmt.Sprintf("/v1/shipments/%s/access", url.PathEscape(shipmentID)), query, &resp,
	); err != nil {
		if err == ErrShipmentNotFound {
			return false, nil
		}
		return false, err
	}
	return resp.Allowed, nil
}
