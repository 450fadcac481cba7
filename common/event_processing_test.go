package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam(ctxt, "hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(_ context.Context, p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(ctxt, testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(ctxt, testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(ctxt, &testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(_ context.Context, p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(_ context.Context, p interface{}) error {
			return fmt.Errorf("dummy error")
		},
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(ctxt, testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(ctxt, &testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(ctxt, testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(_ context.Context, p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(ctxt, testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(ctxt, &testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(ctxt, testStruct3{}))
	}
}

func TestTaskEventLoopOrdering(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 8)
	assert.Nil(err)

	type numbered struct{ idx int }

	// Only touched by the event loop goroutine until the test reads it after testWG.Wait()
	processed := []int{}
	testWG := sync.WaitGroup{}
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(numbered{}), func(_ context.Context, p interface{}) error {
			processed = append(processed, p.(numbered).idx)
			testWG.Done()
			return nil
		},
	))
	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: tasks are processed in submission order
	{
		testWG.Add(20)
		for itr := 0; itr < 20; itr++ {
			useContext, cancel := context.WithTimeout(ctxt, time.Second)
			assert.Nil(uut.Submit(useContext, numbered{idx: itr}))
			cancel()
		}
		testWG.Wait()
		expected := []int{}
		for itr := 0; itr < 20; itr++ {
			expected = append(expected, itr)
		}
		assert.Equal(expected, processed)
	}

	// Case 2: submit after stop fails
	{
		assert.Nil(uut.StopEventLoop())
		wg.Wait()
		useContext, cancel := context.WithTimeout(ctxt, time.Millisecond*100)
		defer cancel()
		assert.NotNil(uut.Submit(useContext, numbered{idx: 100}))
	}
}
