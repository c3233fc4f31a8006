package registry

import (
	"testing"
	"time"
)

func TestBfpLocksAtThreshold(t *testing.T) {
	b := NewBfp()
	for i := 0; i < BfpLockThreshold-1; i++ {
		b.LogIPAttempt("1.2.3.4")
	}
	if b.IsLocked("1.2.3.4") {
		t.Fatal("must not lock before reaching the threshold")
	}

	b.LogIPAttempt("1.2.3.4")
	if !b.IsLocked("1.2.3.4") {
		t.Fatal("must lock once the threshold is reached")
	}
}

func TestBfpReleasesAfterDuration(t *testing.T) {
	b := NewBfp()
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < BfpLockThreshold; i++ {
		b.LogIPAttempt("1.2.3.4")
	}
	if !b.IsLocked("1.2.3.4") {
		t.Fatal("expected lock immediately after threshold")
	}

	now = now.Add(BfpLockDuration + time.Second)
	if b.IsLocked("1.2.3.4") {
		t.Fatal("lock must release once BfpLockDuration has elapsed")
	}
}

func TestClearIPAttemptsResetsCounter(t *testing.T) {
	b := NewBfp()
	for i := 0; i < BfpLockThreshold; i++ {
		b.LogIPAttempt("1.2.3.4")
	}
	b.ClearIPAttempts("1.2.3.4")
	if b.IsLocked("1.2.3.4") {
		t.Fatal("ClearIPAttempts must release the lock")
	}
}
