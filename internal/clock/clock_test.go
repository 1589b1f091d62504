package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	ch := c.After(5 * time.Second)
	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if want := start.Add(5 * time.Second); !got.Equal(want) {
			t.Errorf("fired at %v, want %v", got, want)
		}
	default:
		t.Fatal("did not fire at deadline")
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d, want 0", c.Pending())
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestFakeWaitForWaiters(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		<-c.After(time.Minute)
		close(done)
	}()

	c.WaitForWaiters(1)
	c.Advance(time.Minute)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter goroutine not released")
	}
}
