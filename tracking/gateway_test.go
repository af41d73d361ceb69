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
	"testing"
	"time"

	"github.com/alwitt/livetrack/directory"
	"github.com/alwitt/livetrack/models"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestGatewayAdmission(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := newTestFixture(assert, 5)
	defer fixture.stop(assert)
	uut := fixture.svc.Gateway

	// Case 1: missing or bad credential
	{
		_, transport, err := fixture.admit("", "s1", 0)
		assert.True(errors.Is(err, ErrAuthenticationFailed))
		assert.Equal(CloseAuthenticationFailed, CloseCodeFor(err))
		assert.Empty(transport.messages(""))
		_, _, err = fixture.admit("garbage", "", 0)
		assert.True(errors.Is(err, ErrAuthenticationFailed))
		assert.Equal(0, uut.SessionCount())
	}

	// Case 2: initial join refused rejects the whole connection
	{
		_, transport, err := fixture.admit("observer:o2", "s1", 0)
		assert.True(errors.Is(err, ErrAuthorizationDenied))
		assert.Equal(CloseAuthorizationDenied, CloseCodeFor(err))
		assert.Empty(transport.messages(""))
		_, _, err = fixture.admit("courier:c2", "s1", 0)
		assert.True(errors.Is(err, ErrAuthorizationDenied))
		assert.Equal(0, uut.SessionCount())
		assert.Equal(0, fixture.svc.Membership.GroupCount())
	}

	// Case 3: admitted with initial shipment
	var courier *Session
	var courierTransport *fakeTransport
	{
		session, transport, err := fixture.admit("courier:c1", "s1", 0)
		assert.Nil(err)
		assert.NotEmpty(session.ID)
		assert.Equal(models.Actor{ID: "c1", Role: models.RoleCourier}, session.Actor)
		assert.Equal([]string{"s1"}, session.Shipments())
		acks := transport.messages(models.MsgSubscribed)
		assert.Len(acks, 1)
		assert.Equal("s1", acks[0].ShipmentID)
		assert.Equal(1, fixture.svc.Membership.MemberCount("s1"))
		courier = session
		courierTransport = transport
	}

	// Case 4: admitted without initial shipment
	var owner *Session
	{
		session, transport, err := fixture.admit("owner:o1", "", 0)
		assert.Nil(err)
		assert.Empty(session.Shipments())
		assert.Empty(transport.messages(""))
		owner = session
	}

	// Case 5: registry lookups
	{
		assert.Equal(2, uut.SessionCount())
		found, ok := uut.Lookup(courier.ID)
		assert.True(ok)
		assert.Equal(courier, found)
		courierSessions := uut.SessionsOfCourier("c1")
		assert.Len(courierSessions, 1)
		assert.Empty(uut.SessionsOfCourier("o1"))
	}

	// Case 6: subscribe and unsubscribe in session
	{
		assert.Nil(uut.Subscribe(fixture.ctxt, owner, "s1"))
		assert.Nil(uut.Subscribe(fixture.ctxt, owner, "s3"))
		err := uut.Subscribe(fixture.ctxt, owner, "s2")
		assert.True(errors.Is(err, ErrAuthorizationDenied))
		assert.Equal([]string{"s1", "s3"}, owner.Shipments())
		assert.Equal(2, fixture.svc.Membership.MemberCount("s1"))
		assert.True(uut.Unsubscribe(owner, "s3"))
		assert.False(uut.Unsubscribe(owner, "s3"))
		assert.Equal(0, fixture.svc.Membership.MemberCount("s3"))
		assert.Equal(1, fixture.svc.Membership.GroupCount())
	}

	// Case 7: release is idempotent and leaves every group
	{
		assert.Nil(uut.Release(courier, CloseNormal, "bye"))
		assert.Nil(uut.Release(courier, CloseNormal, "bye again"))
		closed, code := courierTransport.closedWith()
		assert.True(closed)
		assert.Equal(CloseNormal, code)
		assert.Equal(SessionClosed, courier.State())
		assert.Equal(1, fixture.svc.Membership.MemberCount("s1"))
		_, ok := uut.Lookup(courier.ID)
		assert.False(ok)
		assert.Empty(uut.SessionsOfCourier("c1"))
		assert.True(errors.Is(courier.Deliver(models.NewErrorMessage("late")), ErrSessionClosed))
		assert.True(errors.Is(uut.Subscribe(fixture.ctxt, courier, "s2"), ErrSessionClosed))
	}

	// Case 8: forced disconnect of a courier
	{
		first, firstTransport, err := fixture.admit("courier:c1", "s1", 0)
		assert.Nil(err)
		_, _, err = fixture.admit("courier:c1", "s2", 0)
		assert.Nil(err)
		assert.Len(uut.SessionsOfCourier("c1"), 2)
		assert.Equal(2, uut.DisconnectCourier("c1", CloseNormal, "forced"))
		assert.Empty(uut.SessionsOfCourier("c1"))
		closed, _ := firstTransport.closedWith()
		assert.True(closed)
		assert.Equal(SessionClosed, first.State())
		assert.Equal(0, fixture.svc.Membership.MemberCount("s2"))
	}

	// Case 9: close everything
	{
		uut.CloseAll(CloseNormal, "shutdown")
		assert.Equal(0, uut.SessionCount())
		assert.Equal(0, fixture.svc.Membership.GroupCount())
		assert.Equal(SessionClosed, owner.State())
	}
}

func TestGroupMembership(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := newTestFixture(assert, 5)
	defer fixture.stop(assert)
	uut := fixture.svc.Membership

	courier, courierTransport, err := fixture.admit("courier:c1", "s1", 0)
	assert.Nil(err)

	// Case 1: no last known sample before any publish
	{
		_, ok := uut.LastKnown("s1")
		assert.False(ok)
		_, ok = uut.LastKnown("s9")
		assert.False(ok)
	}

	// Case 2: new member receives the last known sample
	{
		assert.Nil(fixture.svc.Broadcaster.Publish(
			fixture.ctxt, courier, sampleAt(28.61, 77.20, "Connaught Place"),
		))
		last, ok := uut.LastKnown("s1")
		assert.True(ok)
		assert.Equal("c1", last.CourierID)
		assert.Equal("s1", last.ShipmentID)

		_, ownerTransport, err := fixture.admit("observer:o1", "s1", 0)
		assert.Nil(err)
		msgs := ownerTransport.messages("")
		assert.Len(msgs, 2)
		assert.Equal(models.MsgSubscribed, msgs[0].Type)
		assert.Equal(models.MsgDriverLocation, msgs[1].Type)
		assert.Equal("Connaught Place", *msgs[1].Address)
		assert.Equal("c1", msgs[1].DriverID)
		// Publisher never receives its own sample
		assert.Empty(courierTransport.messages(models.MsgDriverLocation))
	}

	// Case 3: join is idempotent
	{
		assert.Nil(uut.Join(fixture.ctxt, courier, "s1"))
		assert.Equal(2, uut.MemberCount("s1"))
		assert.Len(courierTransport.messages(models.MsgSubscribed), 2)
	}

	// Case 4: broadcast with exclusion
	{
		sent := uut.BroadcastTo("s1", models.NewErrorMessage("notice"), courier.ID)
		assert.Equal(1, sent)
		sent = uut.BroadcastTo("s1", models.NewErrorMessage("notice"), "")
		assert.Equal(2, sent)
		assert.Equal(0, uut.BroadcastTo("s9", models.NewErrorMessage("notice"), ""))
	}

	// Case 5: last member leaving removes the group
	{
		admin, _, err := fixture.admit("admin:a1", "s2", 0)
		assert.Nil(err)
		assert.Equal(2, uut.GroupCount())
		uut.LeaveAll(admin)
		assert.Equal(1, uut.GroupCount())
		assert.Empty(admin.Shipments())
	}
}

func TestSlowConsumerEviction(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := newTestFixture(assert, 5)
	defer fixture.stop(assert)

	courier, _, err := fixture.admit("courier:c1", "s1", 0)
	assert.Nil(err)
	// Room for the subscribe acknowledgement and one sample
	slow, slowTransport, err := fixture.admit("observer:o1", "s1", 2)
	assert.Nil(err)
	_, fastTransport, err := fixture.admit("admin:a1", "s1", 0)
	assert.Nil(err)

	for itr := 0; itr < 4; itr++ {
		assert.Nil(fixture.svc.Broadcaster.Publish(
			fixture.ctxt, courier, sampleAt(28.6+float64(itr)*0.01, 77.2, ""),
		))
	}

	assert.Eventually(func() bool {
		closed, code := slowTransport.closedWith()
		return closed && code == CloseSlowConsumer
	}, time.Second, time.Millisecond*10)
	assert.Eventually(func() bool {
		return slow.State() == SessionClosed
	}, time.Second, time.Millisecond*10)
	assert.Len(slowTransport.messages(models.MsgDriverLocation), 1)
	// Other members are unaffected
	assert.Len(fastTransport.messages(models.MsgDriverLocation), 4)
	assert.Eventually(func() bool {
		return fixture.svc.Membership.MemberCount("s1") == 2
	}, time.Second, time.Millisecond*10)
}

// unlistableDirectory a directory whose assignment listing is unavailable
type unlistableDirectory struct {
	*directory.StaticDirectory
}

func (d unlistableDirectory) ListActiveShipments(
	_ context.Context, _ string,
) ([]models.Shipment, error) {
	return nil, directory.ErrUnavailable
}

func TestGatewayCourierAssignments(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := newTestFixture(assert, 1)
	defer fixture.stop(assert)
	uut := fixture.svc.Gateway

	owner, ownerTransport, err := fixture.admit("owner:o1", "s1", 0)
	assert.Nil(err)

	// Case 1: courier without a shipment joins every active assignment
	{
		courier, transport, err := fixture.admit("courier:c1", "", 0)
		assert.Nil(err)
		assert.Equal([]string{"s1", "s2"}, courier.Shipments())
		assert.Len(transport.messages(models.MsgSubscribed), 2)
		assert.Equal(2, fixture.svc.Membership.MemberCount("s1"))
		assert.Equal(1, fixture.svc.Membership.MemberCount("s2"))

		assert.Nil(fixture.svc.Broadcaster.Publish(fixture.ctxt, courier, sampleAt(28.6, 77.2, "Delhi")))
		received := ownerTransport.messages(models.MsgDriverLocation)
		assert.Len(received, 1)
		assert.Equal("s1", received[0].ShipmentID)
		assert.Nil(uut.Release(courier, CloseNormal, "done"))
	}

	// Case 2: terminal shipments are not joined
	{
		assert.Nil(fixture.dir.SetStatus("s2", models.StatusDelivered))
		courier, _, err := fixture.admit("courier:c1", "", 0)
		assert.Nil(err)
		assert.Equal([]string{"s1"}, courier.Shipments())
		assert.Nil(uut.Release(courier, CloseNormal, "done"))
	}

	// Case 3: courier with no assignments follows nothing
	{
		courier, transport, err := fixture.admit("courier:c9", "", 0)
		assert.Nil(err)
		assert.Empty(courier.Shipments())
		assert.Empty(transport.messages(""))
		assert.Nil(uut.Release(courier, CloseNormal, "done"))
	}

	// Case 4: assignment listing unavailable rejects the connection
	{
		failing := NewGateway(
			testVerifier, unlistableDirectory{fixture.dir}, fixture.svc.Membership,
		)
		transport := &fakeTransport{}
		_, err := failing.Admit(fixture.ctxt, HandshakeParams{
			Token: "courier:c1", RemoteAddr: "127.0.0.1:0", Transport: transport,
		})
		assert.True(errors.Is(err, directory.ErrUnavailable))
		assert.Equal(CloseInternalError, CloseCodeFor(err))
		assert.Equal(0, failing.SessionCount())
		assert.Equal(1, fixture.svc.Membership.MemberCount("s1"))
	}

	assert.Nil(uut.Release(owner, CloseNormal, "done"))
}
