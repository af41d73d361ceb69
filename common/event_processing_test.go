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

package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type sampleTask struct {
	shipmentID string
}

type statusTask struct{}

type unknownTask struct{}

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("unit-test", 2, ctxt)
	assert.Nil(err)

	// Case 0: nothing registered
	{
		assert.NotNil(uut.ProcessNewTaskParam(sampleTask{}))
	}

	seen := []string{}
	assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
		reflect.TypeOf(sampleTask{}): func(p interface{}) error {
			seen = append(seen, p.(sampleTask).shipmentID)
			return nil
		},
	}))

	// Case 1: dispatch by parameter type
	{
		assert.Nil(uut.ProcessNewTaskParam(sampleTask{shipmentID: "s1"}))
		assert.NotNil(uut.ProcessNewTaskParam(statusTask{}))
		assert.NotNil(uut.ProcessNewTaskParam(&sampleTask{shipmentID: "s2"}))
		assert.Equal([]string{"s1"}, seen)
	}

	// Case 2: handler errors are returned
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(statusTask{}), func(interface{}) error { return fmt.Errorf("dummy") },
		))
		assert.NotNil(uut.ProcessNewTaskParam(statusTask{}))
		assert.NotNil(uut.ProcessNewTaskParam(unknownTask{}))
	}

	// Case 3: submit without a running loop fills the buffer, then waits
	{
		assert.Nil(uut.Submit(sampleTask{}, context.Background()))
		assert.Nil(uut.Submit(sampleTask{}, context.Background()))
		waitCtxt, waitCancel := context.WithTimeout(context.Background(), time.Millisecond*20)
		assert.Equal(context.DeadlineExceeded, uut.Submit(sampleTask{}, waitCtxt))
		waitCancel()
	}

	// Case 4: stopped processor refuses work
	{
		assert.Nil(uut.StopEventLoop())
		assert.NotNil(uut.Submit(sampleTask{}, context.Background()))
	}
}

func TestTaskDemuxProcessing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: no workers
	{
		_, err := GetNewTaskDemuxProcessorInstance("unit-test", 4, 0, time.Second, ctxt)
		assert.NotNil(err)
	}

	uut, err := GetNewTaskDemuxProcessorInstance("unit-test", 4, 3, time.Second, ctxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	var running, finished, statuses int32
	gate := make(chan struct{})
	assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
		reflect.TypeOf(sampleTask{}): func(interface{}) error {
			atomic.AddInt32(&running, 1)
			<-gate
			atomic.AddInt32(&finished, 1)
			return nil
		},
	}))
	assert.Nil(uut.AddToTaskExecutionMap(reflect.TypeOf(statusTask{}), func(interface{}) error {
		atomic.AddInt32(&statuses, 1)
		return nil
	}))
	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: tasks spread over the workers and run in parallel
	{
		for itr := 0; itr < 3; itr++ {
			useContext, useCancel := context.WithTimeout(context.Background(), time.Second)
			assert.Nil(uut.Submit(sampleTask{shipmentID: fmt.Sprintf("s%d", itr)}, useContext))
			useCancel()
		}
		assert.Eventually(func() bool {
			return atomic.LoadInt32(&running) == 3
		}, time.Second, time.Millisecond*5)
		assert.Equal(int32(0), atomic.LoadInt32(&finished))
		close(gate)
		assert.Eventually(func() bool {
			return atomic.LoadInt32(&finished) == 3
		}, time.Second, time.Millisecond*5)
	}

	// Case 2: handlers added after the fact
	{
		useContext, useCancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.Submit(statusTask{}, useContext))
		useCancel()
		assert.Eventually(func() bool {
			return atomic.LoadInt32(&statuses) == 1
		}, time.Second, time.Millisecond*5)
	}
}
