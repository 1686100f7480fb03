package arbiter

import (
	"sync/atomic"
	"testing"
	"time"
)

type testGroup uint8

const (
	testGroupInvalid testGroup = 0
	testGroupTimer   testGroup = 1
)

func TestDispatchRunsInSubmissionOrder(t *testing.T) {
	a := NewArbiter[testGroup](16, "TestArbiter", false)
	defer a.Shutdown()

	var order []int
	done := make(chan struct{})

	for i := 0; i < 10; i++ {
		i := i
		if err := a.Dispatch(func() {
			order = append(order, i)
			if i == 9 {
				close(done)
			}
		}); err != nil {
			t.Fatalf("dispatch failed: %s", err.Error())
		}
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched work")
	}

	for i, v := range order {
		if v != i {
			t.Fatalf("out of order execution: order=%v", order)
		}
	}
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	a := NewArbiter[testGroup](16, "TestArbiter", false)
	defer a.Shutdown()

	var ran atomic.Bool
	done := make(chan struct{})

	if err := a.Dispatch(func() {
		panic("boom")
	}); err != nil {
		t.Fatalf("dispatch failed: %s", err.Error())
	}
	if err := a.Dispatch(func() {
		ran.Store(true)
		close(done)
	}); err != nil {
		t.Fatalf("dispatch failed: %s", err.Error())
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("strand did not recover after panic")
	}

	if !ran.Load() {
		t.Fatal("expected follow-up dispatch to run")
	}
}
