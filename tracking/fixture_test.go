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
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/livetrack/auth"
	"github.com/alwitt/livetrack/directory"
	"github.com/alwitt/livetrack/models"
	"github.com/alwitt/livetrack/storage"
	"github.com/stretchr/testify/assert"
)

// fakeTransport records delivered messages in memory
type fakeTransport struct {
	lock        sync.Mutex
	capacity    int
	msgs        []models.OutboundMessage
	closed      bool
	closeCode   int
	closeReason string
}

func (f *fakeTransport) Deliver(msg models.OutboundMessage) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return ErrSessionClosed
	}
	if f.capacity > 0 && len(f.msgs) >= f.capacity {
		return ErrSlowConsumer
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeTransport) messages(msgType string) []models.OutboundMessage {
	f.lock.Lock()
	defer f.lock.Unlock()
	result := []models.OutboundMessage{}
	for _, msg := range f.msgs {
		if len(msgType) == 0 || msg.Type == msgType {
			result = append(result, msg)
		}
	}
	return result
}

func (f *fakeTransport) closedWith() (bool, int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.closed, f.closeCode
}

// testVerifier accepts tokens of the form "<role>:<actor ID>"
var testVerifier = auth.VerifierFunc(
	func(_ context.Context, token string) (models.Actor, error) {
		parts := strings.SplitN(token, ":", 2)
		if len(parts) != 2 || len(parts[1]) == 0 {
			return models.Actor{}, fmt.Errorf("malformed token")
		}
		role, err := models.ParseRole(parts[0])
		if err != nil {
			return models.Actor{}, err
		}
		return models.Actor{ID: parts[1], Role: role}, nil
	},
)

// seedDirectory standard shipments used by the tests
//
// s1: courier c1, owner o1, in transit
// s2: courier c1, owner o2, assigned
// s3: courier c2, owner o1, picked up
// s4: courier c2, owner o2, delivered
func seedDirectory(assert *assert.Assertions) *directory.StaticDirectory {
	dir := directory.NewStaticDirectory()
	assert.Nil(dir.Upsert(models.Shipment{
		ID: "s1", Status: models.StatusInTransit, CourierID: "c1", OwnerID: "o1",
	}))
	assert.Nil(dir.Upsert(models.Shipment{
		ID: "s2", Status: models.StatusAssigned, CourierID: "c1", OwnerID: "o2",
	}))
	assert.Nil(dir.Upsert(models.Shipment{
		ID: "s3", Status: models.StatusPickedUp, CourierID: "c2", OwnerID: "o1",
	}))
	assert.Nil(dir.Upsert(models.Shipment{
		ID: "s4", Status: models.StatusDelivered, CourierID: "c2", OwnerID: "o2",
	}))
	return dir
}

type testFixture struct {
	dir     *directory.StaticDirectory
	history *storage.MemoryHistory
	svc     *Service
	wg      sync.WaitGroup
	ctxt    context.Context
	cancel  context.CancelFunc
}

func newTestFixture(assert *assert.Assertions, persistEvery int) *testFixture {
	ctxt, cancel := context.WithCancel(context.Background())
	fixture := &testFixture{
		dir:     seedDirectory(assert),
		history: storage.NewMemoryHistory(),
		ctxt:    ctxt,
		cancel:  cancel,
	}
	svc, err := GetService(ctxt, ServiceParams{
		Verifier:  testVerifier,
		Directory: fixture.dir,
		History:   fixture.history,
		Persistence: PersistenceThrottlerParams{
			Every:         persistEvery,
			Workers:       2,
			QueueLen:      16,
			SubmitTimeout: time.Millisecond * 200,
			WriteTimeout:  time.Second,
		},
		TerminalRetention: time.Hour,
	})
	assert.Nil(err)
	fixture.svc = svc
	assert.Nil(svc.Start(ctxt, &fixture.wg))
	return fixture
}

func (f *testFixture) stop(assert *assert.Assertions) {
	assert.Nil(f.svc.Stop())
	f.cancel()
	f.wg.Wait()
}

func (f *testFixture) admit(
	token string, shipmentID string, capacity int,
) (*Session, *fakeTransport, error) {
	transport := &fakeTransport{capacity: capacity}
	session, err := f.svc.Gateway.Admit(f.ctxt, HandshakeParams{
		Token:             token,
		InitialShipmentID: shipmentID,
		RemoteAddr:        "127.0.0.1:0",
		Transport:         transport,
	})
	return session, transport, err
}

func sampleAt(lat, lng float64, address string) models.LocationSample {
	return models.LocationSample{Latitude: lat, Longitude: lng, Address: address}
}

// errorReason the rejection reason carried by an error, if any
func errorReason(err error) (string, []string) {
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		return "", nil
	}
	return rejected.Reason, rejected.ShipmentIDs
}
