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
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/core"
	"github.com/alwitt/livetrack/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// JetStreamHistoryParams location history stream parameters
type JetStreamHistoryParams struct {
	// Stream is the JetStream stream holding the samples
	Stream string `validate:"required,alphanum"`
	// SubjectPrefix samples are published on "<prefix>.<shipment ID>"
	SubjectPrefix string `validate:"required"`
	// MaxAge is the stream retention. Zero means no limit.
	MaxAge time.Duration `validate:"gte=0"`
}

// jetStreamHistoryImpl implements LocationHistory on a JetStream stream
type jetStreamHistoryImpl struct {
	common.Component
	nats   *core.NatsClient
	params JetStreamHistoryParams
}

// GetJetStreamHistory define a new JetStream backed LocationHistory
//
// The backing stream is created if it does not exist.
func GetJetStreamHistory(
	natsClient *core.NatsClient, params JetStreamHistoryParams,
) (LocationHistory, error) {
	logTags := log.Fields{
		"module": "storage", "component": "js-history", "instance": params.Stream,
	}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid location history parameters")
		return nil, err
	}
	instance := &jetStreamHistoryImpl{
		Component: common.Component{LogTags: logTags}, nats: natsClient, params: params,
	}
	return instance, instance.ensureStream()
}

// ensureStream create the backing stream, or reconcile its subjects and retention
func (h *jetStreamHistoryImpl) ensureStream() error {
	subjects := []string{fmt.Sprintf("%s.*", h.params.SubjectPrefix)}
	info, err := h.nats.JetStream().StreamInfo(h.params.Stream)
	if err == nil {
		currentConfig := info.Config
		currentConfig.Subjects = subjects
		currentConfig.MaxAge = h.params.MaxAge
		if _, err := h.nats.JetStream().UpdateStream(&currentConfig); err != nil {
			log.WithError(err).WithFields(h.LogTags).Errorf(
				"Unable to update stream %s", h.params.Stream,
			)
			return err
		}
		log.WithFields(h.LogTags).Infof("Reusing stream %s", h.params.Stream)
		return nil
	}
	if err != nats.ErrStreamNotFound {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Unable to get stream %s info", h.params.Stream,
		)
		return err
	}
	if _, err := h.nats.JetStream().AddStream(&nats.StreamConfig{
		Name:     h.params.Stream,
		Subjects: subjects,
		MaxAge:   h.params.MaxAge,
	}); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Unable to define stream %s", h.params.Stream,
		)
		return err
	}
	log.WithFields(h.LogTags).Infof("Defined stream %s", h.params.Stream)
	return nil
}

// Record persist one location sample
func (h *jetStreamHistoryImpl) Record(ctxt context.Context, sample models.LocationSample) error {
	localLogTags := h.ExtendLogTags(log.Fields{"shipment": sample.ShipmentID})
	if err := validateShipmentToken(sample.ShipmentID); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to record sample")
		return err
	}
	payload, err := json.Marshal(&sample)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to serialize sample")
		return err
	}
	subject := fmt.Sprintf("%s.%s", h.params.SubjectPrefix, sample.ShipmentID)
	ack, err := h.nats.JetStream().PublishAsync(subject, payload)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to send sample")
		return err
	}
	// Wait for success, failure, or timeout
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture OK channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Sample send failure")
			return err
		}
		log.WithFields(localLogTags).Debugf(
			"Recorded [%d] to %s/%s", goodSig.Sequence, goodSig.Stream, subject,
		)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture error channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Sample send failure")
			return err
		}
		return txErr
	case <-ctxt.Done():
		err := ctxt.Err()
		log.WithError(err).WithFields(localLogTags).Errorf("Sample send timed out")
		return err
	}
}
