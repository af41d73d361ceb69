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

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/core"
	"github.com/alwitt/livetrack/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// statusSubject subject carrying status events of one shipment
func statusSubject(prefix, shipmentID string) string {
	return fmt.Sprintf("%s.%s", prefix, shipmentID)
}

// StatusEventHandler processes one shipment status event
type StatusEventHandler func(ctxt context.Context, event models.ShipmentStatusEvent) error

// StatusEventReceiver receives shipment status events from NATS
type StatusEventReceiver interface {
	// Subscribe start receiving status events. The subscription ends with the
	// receiver's context.
	Subscribe(wg *sync.WaitGroup, handler StatusEventHandler) error
}

// natsStatusReceiverImpl implements StatusEventReceiver
type natsStatusReceiverImpl struct {
	common.Component
	prefix       string
	nats         *core.NatsClient
	subscribed   bool
	subscription *nats.Subscription
	lock         sync.Mutex
	validate     *validator.Validate
	ctxt         context.Context
}

// GetStatusEventReceiver define a new StatusEventReceiver listening on "<prefix>.*"
func GetStatusEventReceiver(
	ctxt context.Context, natsClient *core.NatsClient, prefix string,
) (StatusEventReceiver, error) {
	logTags := log.Fields{
		"module": "events", "component": "status-receiver", "instance": prefix,
	}
	if len(prefix) == 0 {
		err := fmt.Errorf("status event subject prefix missing")
		log.WithError(err).WithFields(logTags).Error("Unable to define status receiver")
		return nil, err
	}
	return &natsStatusReceiverImpl{
		Component: common.Component{LogTags: logTags},
		prefix:    prefix,
		nats:      natsClient,
		validate:  validator.New(),
		ctxt:      ctxt,
	}, nil
}

// Subscribe start receiving status events
func (r *natsStatusReceiverImpl) Subscribe(wg *sync.WaitGroup, handler StatusEventHandler) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	subject := statusSubject(r.prefix, "*")
	if r.subscribed {
		return fmt.Errorf("already subscribed to %s", subject)
	}
	sub, err := r.nats.NATs().Subscribe(subject, func(msg *nats.Msg) {
		var event models.ShipmentStatusEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to read status event: %s", msg.Data,
			)
			return
		}
		// The subject names the shipment when the body does not
		subjectShipment := strings.TrimPrefix(msg.Subject, r.prefix+".")
		if len(event.ShipmentID) == 0 {
			event.ShipmentID = subjectShipment
		} else if event.ShipmentID != subjectShipment {
			log.WithFields(r.LogTags).Errorf(
				"Status event for %s arrived on %s", event.ShipmentID, msg.Subject,
			)
			return
		}
		if err := r.validate.Struct(&event); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to validate status event: %s", msg.Data,
			)
			return
		}
		log.WithFields(r.LogTags).Debugf("Received %s", event)
		if err := handler(r.ctxt, event); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Failed to process %s", event)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to subscribe to %s", subject)
		return err
	}
	r.subscribed = true
	r.subscription = sub
	// Unsubscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-r.ctxt.Done()
		if err := r.subscription.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Error occurred when unsubscribing from %s", subject,
			)
		}
		log.WithFields(r.LogTags).Infof("Unsubscribed from %s", subject)
	}()
	log.WithFields(r.LogTags).Infof("Subscribed to %s", subject)
	return nil
}

// StatusEventPublisher publishes shipment status events onto NATS
type StatusEventPublisher interface {
	// Publish send one status event
	Publish(ctxt context.Context, event models.ShipmentStatusEvent) error
}

// natsStatusPublisherImpl implements StatusEventPublisher
type natsStatusPublisherImpl struct {
	common.Component
	prefix   string
	nats     *core.NatsClient
	validate *validator.Validate
}

// GetStatusEventPublisher define a new StatusEventPublisher
func GetStatusEventPublisher(
	natsClient *core.NatsClient, prefix string,
) (StatusEventPublisher, error) {
	logTags := log.Fields{
		"module": "events", "component": "status-publisher", "instance": prefix,
	}
	if len(prefix) == 0 {
		err := fmt.Errorf("status event subject prefix missing")
		log.WithError(err).WithFields(logTags).Error("Unable to define status publisher")
		return nil, err
	}
	return &natsStatusPublisherImpl{
		Component: common.Component{LogTags: logTags},
		prefix:    prefix,
		nats:      natsClient,
		validate:  validator.New(),
	}, nil
}

// Publish send one status event
func (p *natsStatusPublisherImpl) Publish(
	ctxt context.Context, event models.ShipmentStatusEvent,
) error {
	localLogTags := p.ExtendLogTags(log.Fields{"shipment": event.ShipmentID})
	if err := p.validate.Struct(&event); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Status event invalid")
		return err
	}
	if strings.ContainsAny(event.ShipmentID, ".*> \t") {
		err := fmt.Errorf("shipment ID '%s' can not be used in a subject", event.ShipmentID)
		log.WithError(err).WithFields(localLogTags).Error("Status event invalid")
		return err
	}
	subject := statusSubject(p.prefix, event.ShipmentID)
	msg, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to serialize %s", event)
		return err
	}
	if err := p.nats.NATs().Publish(subject, msg); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Failed to send %s on %s", event, subject)
		return err
	}
	// Flushing needs a deadline
	if _, ok := ctxt.Deadline(); !ok {
		var cancel context.CancelFunc
		ctxt, cancel = context.WithTimeout(ctxt, time.Second*5)
		defer cancel()
	}
	if err := p.nats.NATs().FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Failed to flush %s", event)
		return err
	}
	log.WithFields(localLogTags).Debugf("Sent %s on %s", event, subject)
	return nil
}
