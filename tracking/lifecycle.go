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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// LifecycleController ends tracking when shipments reach a terminal status
type LifecycleController struct {
	common.Component
	membership *GroupMembership
	release    func(session *Session, code int, reason string) error
	retention  time.Duration
	validate   *validator.Validate
	sweeper    common.IntervalTimer
	now        func() time.Time

	lock       sync.Mutex
	terminated map[string]time.Time
}

// NewLifecycleController define a new LifecycleController
//
// Terminated shipments are remembered for retention, so repeated events and late
// joins are refused.
func NewLifecycleController(retention time.Duration) *LifecycleController {
	return &LifecycleController{
		Component: common.Component{
			LogTags: log.Fields{"module": "tracking", "component": "lifecycle-controller"},
		},
		retention:  retention,
		validate:   validator.New(),
		now:        time.Now,
		terminated: make(map[string]time.Time),
	}
}

// IsTerminated whether tracking already ended for the shipment
func (c *LifecycleController) IsTerminated(shipmentID string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	_, ok := c.terminated[shipmentID]
	return ok
}

// markTerminated remember a terminated shipment. Returns false if it was already known.
func (c *LifecycleController) markTerminated(shipmentID string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.terminated[shipmentID]; ok {
		return false
	}
	c.terminated[shipmentID] = c.now()
	return true
}

// HandleStatusChange process one shipment status change
//
// On a terminal status every member of the shipment's group receives exactly one
// "tracking_ended" message and stops following the shipment. Members left following
// nothing are disconnected. Non-terminal changes are only logged.
func (c *LifecycleController) HandleStatusChange(
	_ context.Context, event models.ShipmentStatusEvent,
) error {
	localLogTags := c.ExtendLogTags(log.Fields{"shipment": event.ShipmentID})
	if err := c.validate.Struct(&event); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Invalid status event")
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !event.Status.IsTerminal() {
		log.WithFields(localLogTags).Infof("Shipment now %s", event.Status)
		return nil
	}
	if !c.markTerminated(event.ShipmentID) {
		log.WithFields(localLogTags).Debugf("Repeated terminal event %s", event)
		return nil
	}
	members := c.membership.Dissolve(
		event.ShipmentID, models.NewTrackingEndedMessage(event.ShipmentID, event.Status),
	)
	for _, member := range members {
		if len(member.Shipments()) > 0 {
			continue
		}
		if err := c.release(
			member, CloseTrackingEnded, fmt.Sprintf("shipment %s", event.Status),
		); err != nil {
			log.WithError(err).WithFields(member.LogTags).Error("Session close failed")
		}
	}
	log.WithFields(localLogTags).Infof(
		"Tracking ended (%s), notified %d sessions", event.Status, len(members),
	)
	return nil
}

// sweep forget terminated shipments older than the retention
func (c *LifecycleController) sweep() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	cutoff := c.now().Add(-c.retention)
	for shipmentID, endedAt := range c.terminated {
		if endedAt.Before(cutoff) {
			delete(c.terminated, shipmentID)
			log.WithFields(c.LogTags).Debugf("Forgot terminated shipment %s", shipmentID)
		}
	}
	return nil
}

// StartSweeper periodically forget expired terminated shipments
func (c *LifecycleController) StartSweeper(
	ctxt context.Context, wg *sync.WaitGroup, interval time.Duration,
) error {
	timer, err := common.GetIntervalTimerInstance("terminated-sweeper", ctxt, wg)
	if err != nil {
		return err
	}
	c.sweeper = timer
	return timer.Start(interval, c.sweep, false)
}

// StopSweeper stop the periodic sweep
func (c *LifecycleController) StopSweeper() error {
	if c.sweeper == nil {
		return nil
	}
	return c.sweeper.Stop()
}
