package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(2*time.Second, func() { fired++ })

	c.Advance(time.Second)
	if fired != 0 {
		t.Fatalf("fired = %d before deadline, want 0", fired)
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d at deadline, want 1", fired)
	}
	c.Advance(10 * time.Second)
	if fired != 1 {
		t.Errorf("fired = %d after deadline, want 1 (one-shot)", fired)
	}
}

func TestFakeTimerStopAndReset(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	timer := c.AfterFunc(time.Second, func() { fired++ })

	if !timer.Stop() {
		t.Fatal("Stop() on pending timer = false, want true")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after stop, want 0", c.Pending())
	}
	c.Advance(2 * time.Second)
	if fired != 0 {
		t.Fatalf("stopped timer fired")
	}

	timer.Reset(time.Second)
	c.Advance(time.Second)
	if fired != 1 {
		t.Errorf("fired = %d after reset, want 1", fired)
	}
}

func TestFakeCallbacksFireInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(5 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
}

func TestFakeTicker(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	c.Advance(time.Second)
	select {
	case <-tk.C:
	default:
		t.Fatal("no tick after one interval")
	}

	tk.Stop()
	c.Advance(time.Second)
	select {
	case <-tk.C:
		t.Error("tick after Stop")
	default:
	}
}

func TestFakeNow(t *testing.T) {
	c := Fake(epoch)
	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(epoch.Add(90 * time.Second)) {
		t.Errorf("Now() = %v, want %v", got, epoch.Add(90*time.Second))
	}
}
