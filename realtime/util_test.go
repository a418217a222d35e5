package realtime

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbackList := NewCallbackList[func(int)]()

	assert.Equal(t, 0, len(callbackList.Get()))

	counts := map[int]int{}

	callbackId1 := callbackList.Add(func(value int) {
		counts[1] += value
	})
	callbackId2 := callbackList.Add(func(value int) {
		counts[2] += value
	})

	assert.Equal(t, 2, len(callbackList.Get()))

	for _, callback := range callbackList.Get() {
		callback(1)
	}
	assert.Equal(t, 1, counts[1])
	assert.Equal(t, 1, counts[2])

	callbackList.Remove(callbackId1)
	assert.Equal(t, 1, len(callbackList.Get()))

	for _, callback := range callbackList.Get() {
		callback(1)
	}
	assert.Equal(t, 1, counts[1])
	assert.Equal(t, 2, counts[2])

	// removing an id twice is a no-op
	callbackList.Remove(callbackId1)
	assert.Equal(t, 1, len(callbackList.Get()))

	callbackList.Remove(callbackId2)
	assert.Equal(t, 0, len(callbackList.Get()))
}

func TestCallbackListSnapshot(t *testing.T) {
	callbackList := NewCallbackList[func()]()

	callbackId := callbackList.Add(func() {})
	callbacks := callbackList.Get()
	callbackList.Remove(callbackId)

	// the snapshot taken before the remove is unchanged
	assert.Equal(t, 1, len(callbacks))
	assert.Equal(t, 0, len(callbackList.Get()))
}

func TestEvent(t *testing.T) {
	event := NewEvent()
	assert.Equal(t, false, event.IsSet())

	event.Set()
	assert.Equal(t, true, event.IsSet())

	select {
	case <-event.Ctx().Done():
	default:
		t.Fatal("event context should be done after set")
	}
}

func TestTrace(t *testing.T) {
	traced := false
	Trace("test op", func() {
		traced = true
	})
	assert.Equal(t, true, traced)

	// the traced value and error pass through unchanged
	value := TraceWithReturn("test value", func() int {
		return 42
	})
	assert.Equal(t, 42, value)

	value, err := TraceWithReturnError("test result", func() (int, error) {
		return 7, nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, 7, value)

	opErr := errors.New("op failed")
	value, err = TraceWithReturnError("test error", func() (int, error) {
		return 0, opErr
	})
	assert.Equal(t, opErr, err)
	assert.Equal(t, 0, value)
}

func TestHandleError(t *testing.T) {
	var handledErr error
	HandleError(func() {
		panic("callback failure")
	}, func(err error) {
		handledErr = err
	})
	assert.NotEqual(t, handledErr, nil)
	assert.Equal(t, "callback failure", handledErr.Error())

	// without handlers the panic is still contained
	r := HandleError(func() {
		panic("callback failure")
	})
	assert.NotEqual(t, r, nil)

	r = HandleError(func() {})
	assert.Equal(t, nil, r)
}
