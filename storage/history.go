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

package storage

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/models"
	"github.com/apex/log"
)

// LocationHistory durable store of persisted location samples
type LocationHistory interface {
	// Record persist one location sample. The sample must name its shipment.
	Record(ctxt context.Context, sample models.LocationSample) error
}

var subjectTokenRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validateShipmentToken check that a shipment ID can be used as one subject token
func validateShipmentToken(shipmentID string) error {
	if !subjectTokenRegex.MatchString(shipmentID) {
		return fmt.Errorf("shipment ID '%s' is not a valid subject token", shipmentID)
	}
	return nil
}

// MemoryHistory in-process LocationHistory, mainly for tests and local runs
type MemoryHistory struct {
	common.Component
	lock     sync.Mutex
	records  map[string][]models.LocationSample
	failWith error
}

// NewMemoryHistory define a new MemoryHistory
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		Component: common.Component{
			LogTags: log.Fields{"module": "storage", "component": "memory-history"},
		},
		records: make(map[string][]models.LocationSample),
	}
}

// Record persist one location sample
func (h *MemoryHistory) Record(_ context.Context, sample models.LocationSample) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.failWith != nil {
		return h.failWith
	}
	if len(sample.ShipmentID) == 0 {
		return fmt.Errorf("sample %s does not name a shipment", sample)
	}
	h.records[sample.ShipmentID] = append(h.records[sample.ShipmentID], sample)
	log.WithFields(h.LogTags).Debugf("Recorded %s", sample)
	return nil
}

// FailWith make every following Record call fail with err. nil restores normal operation.
func (h *MemoryHistory) FailWith(err error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.failWith = err
}

// Records return the samples persisted for a shipment, oldest first
func (h *MemoryHistory) Records(shipmentID string) []models.LocationSample {
	h.lock.Lock()
	defer h.lock.Unlock()
	result := make([]models.LocationSample, len(h.records[shipmentID]))
	copy(result, h.records[shipmentID])
	return result
}

// Count total number of persisted samples
func (h *MemoryHistory) Count() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	total := 0
	for _, samples := range h.records {
		total += len(samples)
	}
	return total
}
