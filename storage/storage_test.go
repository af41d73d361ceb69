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
	"strings"
	"testing"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/core"
	"github.com/alwitt/livetrack/models"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMemoryHistory(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewMemoryHistory()
	ctxt := context.Background()
	now := time.Now().UTC()

	// Case 1: sample without a shipment
	assert.NotNil(uut.Record(ctxt, models.LocationSample{Latitude: 1, Longitude: 1}))

	// Case 2: record in order
	for itr := 0; itr < 3; itr++ {
		assert.Nil(uut.Record(ctxt, models.LocationSample{
			Latitude: float64(itr), Longitude: 1, CapturedAt: now, ShipmentID: "s1",
		}))
	}
	assert.Nil(uut.Record(ctxt, models.LocationSample{Latitude: 9, ShipmentID: "s2"}))
	{
		records := uut.Records("s1")
		assert.Len(records, 3)
		for itr, oneRecord := range records {
			assert.Equal(float64(itr), oneRecord.Latitude)
		}
		assert.Equal(4, uut.Count())
		assert.Empty(uut.Records("s3"))
	}

	// Case 3: forced failure
	{
		uut.FailWith(fmt.Errorf("dummy error"))
		assert.NotNil(uut.Record(ctxt, models.LocationSample{ShipmentID: "s1"}))
		assert.Equal(4, uut.Count())
	}
}

func TestJetStreamHistory(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	logTags := log.Fields{"module": "storage_test", "component": "JetStreamHistory"}
	natsConfig := common.NATSConfig{
		ServerURI:      common.GetUnitTestNatsURI(),
		ConnectTimeout: 1,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: 0, WaitInterval: 1},
	}
	js, err := core.GetNATSClient(core.DefineNATSConnectParams(natsConfig, logTags))
	if err != nil {
		t.Skipf("NATS not available: %s", err.Error())
	}
	defer js.Close(utCtxt)
	for itr := 0; itr < 10 && !js.Connected(); itr++ {
		time.Sleep(time.Millisecond * 100)
	}
	if !js.Connected() {
		t.Skip("NATS not available")
	}

	stream := strings.ReplaceAll(uuid.NewString(), "-", "")
	prefix := fmt.Sprintf("ut.%s", stream)
	defer func() {
		_ = js.JetStream().DeleteStream(stream)
	}()

	// Case 0: invalid parameters
	{
		_, err := GetJetStreamHistory(&js, JetStreamHistoryParams{Stream: "bad-name!", SubjectPrefix: prefix})
		assert.NotNil(err)
	}

	uut, err := GetJetStreamHistory(&js, JetStreamHistoryParams{
		Stream: stream, SubjectPrefix: prefix, MaxAge: time.Hour,
	})
	assert.Nil(err)

	// Case 1: stream already exists
	{
		_, err := GetJetStreamHistory(&js, JetStreamHistoryParams{
			Stream: stream, SubjectPrefix: prefix, MaxAge: time.Hour * 2,
		})
		assert.Nil(err)
		info, err := js.JetStream().StreamInfo(stream)
		assert.Nil(err)
		assert.Equal(time.Hour*2, info.Config.MaxAge)
		assert.Equal([]string{fmt.Sprintf("%s.*", prefix)}, info.Config.Subjects)
	}

	// Case 2: shipment ID that is not a valid subject token
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		assert.NotNil(uut.Record(ctxt, models.LocationSample{ShipmentID: "a.b"}))
		cancel()
	}

	// Case 3: record and read back
	{
		sample := models.LocationSample{
			Latitude:   28.7041,
			Longitude:  77.1025,
			Address:    "Delhi",
			CapturedAt: time.Now().UTC().Truncate(time.Millisecond),
			CourierID:  "c1",
			ShipmentID: "s-1",
		}
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second*5)
		assert.Nil(uut.Record(ctxt, sample))
		cancel()

		info, err := js.JetStream().StreamInfo(stream)
		assert.Nil(err)
		assert.Equal(uint64(1), info.State.Msgs)
		msg, err := js.JetStream().GetMsg(stream, info.State.LastSeq)
		assert.Nil(err)
		assert.Equal(fmt.Sprintf("%s.s-1", prefix), msg.Subject)
		var parsed models.LocationSample
		assert.Nil(json.Unmarshal(msg.Data, &parsed))
		assert.Equal(sample.CourierID, parsed.CourierID)
		assert.Equal(sample.ShipmentID, parsed.ShipmentID)
		assert.InDelta(sample.Latitude, parsed.Latitude, 1e-9)
		assert.True(sample.CapturedAt.Equal(parsed.CapturedAt))
	}
}
