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

	"github.com/alwitt/livetrack/auth"
	"github.com/alwitt/livetrack/directory"
	"github.com/alwitt/livetrack/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ServiceParams parameters for assembling the tracking service
type ServiceParams struct {
	// Verifier verifies connection credentials
	Verifier auth.TokenVerifier
	// Directory is the shipment directory
	Directory directory.ShipmentDirectory
	// History is where persisted samples are written
	History storage.LocationHistory
	// CrossCheck whether positive permission decisions are confirmed by the directory
	CrossCheck bool
	// Persistence is the persistence throttling setting
	Persistence PersistenceThrottlerParams `validate:"required,dive"`
	// TerminalRetention how long terminated shipments are remembered
	TerminalRetention time.Duration `validate:"gt=0"`
}

// Service the assembled tracking components
type Service struct {
	Permissions PermissionResolver
	Membership  *GroupMembership
	Gateway     *Gateway
	Broadcaster *LocationBroadcaster
	Throttler   *PersistenceThrottler
	Lifecycle   *LifecycleController
}

// GetService assemble the tracking service
func GetService(ctxt context.Context, params ServiceParams) (*Service, error) {
	logTags := log.Fields{"module": "tracking", "component": "service"}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid tracking service parameters")
		return nil, err
	}
	if params.Verifier == nil || params.Directory == nil || params.History == nil {
		err := fmt.Errorf("token verifier, shipment directory and location history are required")
		log.WithError(err).WithFields(logTags).Error("Invalid tracking service parameters")
		return nil, err
	}
	throttler, err := GetPersistenceThrottler(ctxt, params.Persistence, params.History)
	if err != nil {
		return nil, err
	}
	permissions := GetPermissionResolver(params.Directory, params.CrossCheck)
	lifecycle := NewLifecycleController(params.TerminalRetention)
	membership := NewGroupMembership(permissions, lifecycle.IsTerminated)
	gateway := NewGateway(params.Verifier, params.Directory, membership)
	lifecycle.membership = membership
	lifecycle.release = gateway.Release
	return &Service{
		Permissions: permissions,
		Membership:  membership,
		Gateway:     gateway,
		Broadcaster: NewLocationBroadcaster(membership, permissions, throttler),
		Throttler:   throttler,
		Lifecycle:   lifecycle,
	}, nil
}

// Start start the background workers
func (s *Service) Start(ctxt context.Context, wg *sync.WaitGroup) error {
	if err := s.Throttler.Start(wg); err != nil {
		return fmt.Errorf("unable to start persistence workers: %w", err)
	}
	sweepInterval := s.Lifecycle.retention / 2
	if sweepInterval < time.Second {
		sweepInterval = time.Second
	}
	return s.Lifecycle.StartSweeper(ctxt, wg, sweepInterval)
}

// Stop close every session and stop the background workers
func (s *Service) Stop() error {
	s.Gateway.CloseAll(CloseNormal, "server shutting down")
	if err := s.Lifecycle.StopSweeper(); err != nil {
		return err
	}
	return s.Throttler.Stop()
}
