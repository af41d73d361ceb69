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
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/models"
	"github.com/alwitt/livetrack/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// PersistenceThrottlerParams persistence throttling parameters
type PersistenceThrottlerParams struct {
	// Every persist one sample out of every this many per (session, shipment)
	Every int `validate:"gte=1"`
	// Workers number of parallel persistence writers
	Workers int `validate:"gte=1"`
	// QueueLen buffer length of each persistence writer
	QueueLen int `validate:"gte=1"`
	// SubmitTimeout max wait when handing a sample to the writers
	SubmitTimeout time.Duration `validate:"gt=0"`
	// WriteTimeout max duration of one write
	WriteTimeout time.Duration `validate:"gt=0"`
}

// persistRequest one sample selected for persistence
type persistRequest struct {
	sessionID string
	sample    models.LocationSample
}

// PersistenceThrottler writes every Nth accepted sample of each (session, shipment)
// to the location history
//
// Writes happen on worker goroutines; the caller never waits on the history.
type PersistenceThrottler struct {
	common.Component
	params    PersistenceThrottlerParams
	history   storage.LocationHistory
	workers   common.TaskProcessor
	submitted int64
	failed    int64
}

// GetPersistenceThrottler define a new PersistenceThrottler
func GetPersistenceThrottler(
	ctxt context.Context,
	params PersistenceThrottlerParams,
	history storage.LocationHistory,
) (*PersistenceThrottler, error) {
	logTags := log.Fields{"module": "tracking", "component": "persistence-throttler"}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid throttler parameters")
		return nil, err
	}
	workers, err := common.GetNewTaskDemuxProcessorInstance(
		"persistence", params.QueueLen, params.Workers, params.WriteTimeout, ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define persistence workers")
		return nil, err
	}
	instance := &PersistenceThrottler{
		Component: common.Component{LogTags: logTags},
		params:    params,
		history:   history,
		workers:   workers,
	}
	if err := workers.AddToTaskExecutionMap(
		reflect.TypeOf(persistRequest{}), instance.persist,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Start start the persistence workers
func (t *PersistenceThrottler) Start(wg *sync.WaitGroup) error {
	return t.workers.StartEventLoop(wg)
}

// Stop stop the persistence workers
func (t *PersistenceThrottler) Stop() error {
	return t.workers.StopEventLoop()
}

// MaybePersist count one accepted sample and persist it if it is the Nth. Returns
// whether the sample was handed to the writers.
func (t *PersistenceThrottler) MaybePersist(
	ctxt context.Context, session *Session, shipmentID string, sample models.LocationSample,
) bool {
	if !session.countSample(shipmentID, t.params.Every) {
		return false
	}
	sample = sample.ForShipment(shipmentID)
	useContext, cancel := context.WithTimeout(ctxt, t.params.SubmitTimeout)
	defer cancel()
	if err := t.workers.Submit(
		persistRequest{sessionID: session.ID, sample: sample}, useContext,
	); err != nil {
		atomic.AddInt64(&t.failed, 1)
		log.WithError(fmt.Errorf("%w: %v", ErrPersistenceFailure, err)).
			WithFields(session.LogTags).
			Errorf("Unable to queue %s for persistence", sample)
		return false
	}
	atomic.AddInt64(&t.submitted, 1)
	return true
}

// persist write one selected sample
func (t *PersistenceThrottler) persist(param interface{}) error {
	request, ok := param.(persistRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for persistence", reflect.TypeOf(param))
	}
	localLogTags := t.ExtendLogTags(log.Fields{
		"session": request.sessionID, "shipment": request.sample.ShipmentID,
	})
	useContext, cancel := context.WithTimeout(context.Background(), t.params.WriteTimeout)
	defer cancel()
	if err := t.history.Record(useContext, request.sample); err != nil {
		atomic.AddInt64(&t.failed, 1)
		err = fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to persist %s", request.sample)
		return err
	}
	log.WithFields(localLogTags).Debugf("Persisted %s", request.sample)
	return nil
}

// Submitted number of samples handed to the writers
func (t *PersistenceThrottler) Submitted() int64 {
	return atomic.LoadInt64(&t.submitted)
}

// Failed number of samples that could not be queued or written
func (t *PersistenceThrottler) Failed() int64 {
	return atomic.LoadInt64(&t.failed)
}
