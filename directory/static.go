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
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// StaticDirectory is a ShipmentDirectory held in memory
//
// It serves development deployments (seeded from a YAML file) and unit tests.
type StaticDirectory struct {
	common.Component
	lock      sync.RWMutex
	shipments map[string]models.Shipment
	validate  *validator.Validate
}

// staticDirectoryFile the YAML seed file layout
type staticDirectoryFile struct {
	Shipments []models.Shipment `yaml:"shipments" validate:"dive"`
}

// NewStaticDirectory define an empty StaticDirectory
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		Component: common.Component{
			LogTags: log.Fields{"module": "directory", "component": "static"},
		},
		shipments: make(map[string]models.Shipment),
		validate:  validator.New(),
	}
}

// LoadStaticDirectory define a StaticDirectory seeded from a YAML file
func LoadStaticDirectory(fileName string) (*StaticDirectory, error) {
	instance := NewStaticDirectory()
	content, err := os.ReadFile(fileName)
	if err != nil {
		log.WithError(err).WithFields(instance.LogTags).Errorf("Unable to read %s", fileName)
		return nil, err
	}
	var parsed staticDirectoryFile
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		log.WithError(err).WithFields(instance.LogTags).Errorf("Unable to parse %s", fileName)
		return nil, err
	}
	for _, shipment := range parsed.Shipments {
		if err := instance.Upsert(shipment); err != nil {
			return nil, err
		}
	}
	log.WithFields(instance.LogTags).Infof(
		"Loaded %d shipments from %s", len(parsed.Shipments), fileName,
	)
	return instance, nil
}

// Upsert record a shipment, replacing any previous record with the same ID
func (d *StaticDirectory) Upsert(shipment models.Shipment) error {
	if err := d.validate.Struct(&shipment); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Invalid shipment record %s", shipment.ID)
		return err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.shipments[shipment.ID] = shipment
	return nil
}

// SetStatus change the status of a known shipment
func (d *StaticDirectory) SetStatus(shipmentID string, status models.ShipmentStatus) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	shipment, ok := d.shipments[shipmentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrShipmentNotFound, shipmentID)
	}
	shipment.Status = status
	d.shipments[shipmentID] = shipment
	return nil
}

// Assign change the courier of a known shipment. An empty courier ID unassigns it.
func (d *StaticDirectory) Assign(shipmentID string, courierID string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	shipment, ok := d.shipments[shipmentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrShipmentNotFound, shipmentID)
	}
	shipment.CourierID = courierID
	d.shipments[shipmentID] = shipment
	return nil
}

// GetShipment fetch one shipment record
func (d *StaticDirectory) GetShipment(
	_ context.Context, shipmentID string,
) (models.Shipment, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	shipment, ok := d.shipments[shipmentID]
	if !ok {
		return models.Shipment{}, fmt.Errorf("%w: %s", ErrShipmentNotFound, shipmentID)
	}
	return shipment, nil
}

// ListActiveShipments fetch the non-terminal shipments currently assigned to a courier
func (d *StaticDirectory) ListActiveShipments(
	_ context.Context, courierID string,
) ([]models.Shipment, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	result := []models.Shipment{}
	for _, shipment := range d.shipments {
		if shipment.AssignedTo(courierID) {
			result = append(result, shipment)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// VerifyAccess ask the directory whether an actor may access a shipment
func (d *StaticDirectory) VerifyAccess(
	_ context.Context, actor models.Actor, shipmentID string,
) (bool, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	shipment, ok := d.shipments[shipmentID]
	if !ok {
		return false, nil
	}
	switch actor.Role {
	case models.RoleCourier:
		return shipment.CourierID == actor.ID, nil
	case models.RoleObserver:
		return shipment.OwnerID == actor.ID, nil
	case models.RoleAdministrator:
		return true, nil
	case models.RoleUnknown:
		return false, nil
	}
	return false, nil
}
