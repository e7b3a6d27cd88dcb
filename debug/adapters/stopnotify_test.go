package adapters

import (
	"context"
	"testing"
	"time"
)

func TestStopNotifierArmedWaiterReceives(t *testing.T) {
	n := newStopNotifier()

	ch, cancel := n.Arm()
	n.Publish(StopResult{Reason: "breakpoint", ThreadID: 7})

	result, err := awaitStop(context.Background(), ch, cancel, time.Second)
	if err != nil {
		t.Fatalf("awaitStop: %v", err)
	}
	if result.Reason != "breakpoint" || result.ThreadID != 7 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestStopNotifierWaiterIsOneShot(t *testing.T) {
	n := newStopNotifier()

	ch, cancel := n.Arm()
	defer cancel()
	n.Publish(StopResult{Reason: "step"})
	n.Publish(StopResult{Reason: "breakpoint"})

	first := <-ch
	if first.Reason != "step" {
		t.Errorf("expected first publish, got %+v", first)
	}

	select {
	case extra := <-ch:
		t.Errorf("waiter received a second publish: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopNotifierListenersFireInOrder(t *testing.T) {
	n := newStopNotifier()

	var order []int
	n.Listen(func(StopResult) { order = append(order, 1) })
	n.Listen(func(StopResult) { order = append(order, 2) })
	dereg := n.Listen(func(StopResult) { order = append(order, 3) })

	n.Publish(StopResult{Reason: "step"})
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("listeners fired out of order: %v", order)
	}

	// Deregistration is idempotent and removes only its own listener.
	dereg()
	dereg()
	order = nil
	n.Publish(StopResult{Reason: "step"})
	if len(order) != 2 {
		t.Errorf("expected 2 listeners after dereg, got %d", len(order))
	}
}

func TestAwaitStopTimesOut(t *testing.T) {
	n := newStopNotifier()
	ch, cancel := n.Arm()

	_, err := awaitStop(context.Background(), ch, cancel, 50*time.Millisecond)
	if err != ErrStopTimeout {
		t.Fatalf("expected ErrStopTimeout, got %v", err)
	}
	if err.Error() != "Timed out waiting for debugger to stop" {
		t.Errorf("unexpected timeout message: %q", err.Error())
	}

	// The waiter must have unregistered itself.
	n.mu.Lock()
	remaining := len(n.waiters)
	n.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected no waiters after timeout, found %d", remaining)
	}
}

func TestAwaitStopContextCancelled(t *testing.T) {
	n := newStopNotifier()
	ch, cancel := n.Arm()

	ctx, stop := context.WithCancel(context.Background())
	stop()

	_, err := awaitStop(ctx, ch, cancel, time.Second)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStopNotifierPublishConsumesAllWaiters(t *testing.T) {
	n := newStopNotifier()

	a, cancelA := n.Arm()
	b, cancelB := n.Arm()
	defer cancelA()
	defer cancelB()

	n.Publish(StopResult{Reason: "terminated", Terminated: true})

	for _, ch := range []<-chan StopResult{a, b} {
		select {
		case r := <-ch:
			if !r.Terminated {
				t.Errorf("expected terminated result, got %+v", r)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter not resolved")
		}
	}
}
