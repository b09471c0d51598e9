package pairing

import (
	"testing"
	"time"
)

func TestThrottleDeniesAfterBudget(t *testing.T) {
	th := NewThrottle(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !th.AllowUnknown("10.0.0.1") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if th.AllowUnknown("10.0.0.1") {
		t.Fatal("fourth attempt in window should be denied")
	}
}

func TestThrottleBucketsAreIsolated(t *testing.T) {
	th := NewThrottle(3, time.Minute)

	// Drain the unknown bucket for one caller network.
	for i := 0; i < 3; i++ {
		th.AllowUnknown("10.0.0.1")
	}
	if th.AllowUnknown("10.0.0.1") {
		t.Fatal("drained network bucket should deny")
	}

	// A known device and a different network keep their own budgets.
	if !th.AllowKnownDevice("box-a") {
		t.Fatal("known device bucket should be untouched")
	}
	if !th.AllowUnknown("10.0.0.2") {
		t.Fatal("other network bucket should be untouched")
	}
}

func TestThrottleKnownDevicesDoNotShareBuckets(t *testing.T) {
	th := NewThrottle(3, time.Minute)
	for i := 0; i < 3; i++ {
		th.AllowKnownDevice("box-a")
	}
	if th.AllowKnownDevice("box-a") {
		t.Fatal("box-a budget should be exhausted")
	}
	if !th.AllowKnownDevice("box-b") {
		t.Fatal("box-b should have a fresh budget")
	}
}
