package clock

import (
	"testing"
	"time"
)

func TestFakeFiresInOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() {
		fired = append(fired, "a")
		c.AfterFunc(500*time.Millisecond, func() { fired = append(fired, "a2") })
	})
	stopped := c.AfterFunc(1500*time.Millisecond, func() { fired = append(fired, "never") })
	if !stopped.Stop() {
		t.Fatal("Stop on a pending timer returned false")
	}
	if stopped.Stop() {
		t.Error("second Stop returned true")
	}

	c.Advance(3 * time.Second)

	want := []string{"a", "a2", "b"}
	if len(fired) != len(want) {
		t.Fatalf("fired = %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Errorf("fired[%d] = %s, want %s", i, fired[i], want[i])
		}
	}
	if got := c.Now(); !got.Equal(start.Add(3 * time.Second)) {
		t.Errorf("Now = %v, want start+3s", got)
	}
}

func TestFakeAdvanceToNext(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	if c.AdvanceToNext() {
		t.Fatal("AdvanceToNext with no timers returned true")
	}

	fired := false
	c.AfterFunc(time.Minute, func() { fired = true })
	if !c.AdvanceToNext() || !fired {
		t.Fatal("timer did not fire")
	}
	if !c.Now().Equal(start.Add(time.Minute)) {
		t.Errorf("Now = %v, want start+1m", c.Now())
	}
	if c.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", c.Pending())
	}
}
