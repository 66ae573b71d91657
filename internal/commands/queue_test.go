// v0
// internal/commands/queue_test.go
package commands

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"nrgchamp/floorctl/internal/device"
)

var lubKey = device.Key{Addr: "10.1.1.7", Class: device.ClassLubrication}

func TestDequeueAppliesOnceInFIFOOrder(t *testing.T) {
	q := NewQueue()
	for _, action := range []string{"STOP", "START"} {
		if _, _, err := q.Enqueue(lubKey.String(), device.Command{Action: action}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	first, ok := q.Dequeue(lubKey)
	if !ok || first.Action != "STOP" {
		t.Fatalf("expected STOP first, got %+v ok=%v", first, ok)
	}
	second, ok := q.Dequeue(lubKey)
	if !ok || second.Action != "START" {
		t.Fatalf("expected START second, got %+v ok=%v", second, ok)
	}
	if _, ok := q.Dequeue(lubKey); ok {
		t.Fatalf("queue must be empty after both commands were applied")
	}
}

func TestDequeuePrefersExactKeyThenAddress(t *testing.T) {
	q := NewQueue()
	if _, _, err := q.Enqueue(lubKey.Addr, device.Command{Action: "BROADCAST"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := q.Enqueue(lubKey.String(), device.Command{Action: "EXACT"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, _ := q.Dequeue(lubKey)
	if got.Action != "EXACT" {
		t.Fatalf("expected exact key first, got %s", got.Action)
	}
	got, _ = q.Dequeue(lubKey)
	if got.Action != "BROADCAST" {
		t.Fatalf("expected address fallback, got %s", got.Action)
	}

	other := device.Key{Addr: lubKey.Addr, Class: device.ClassTension}
	if _, ok := q.Dequeue(other); ok {
		t.Fatalf("broadcast command must be consumed only once")
	}
}

func TestEnqueueFillsDefaults(t *testing.T) {
	q := NewQueue()
	cmd, depth, err := q.Enqueue(Target("10.0.0.9", "TENSION_BOT"), device.Command{Action: "OPTIMIZE_TENSION"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}
	if cmd.ID == "" || cmd.EnqueuedAt.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", cmd)
	}
	if cmd.Message != "Manual Control: OPTIMIZE_TENSION" {
		t.Fatalf("unexpected message %q", cmd.Message)
	}
	if q.Depth("10.0.0.9_TENSION_BOT") != 1 {
		t.Fatalf("depth mismatch")
	}
}

func TestEnqueueRejectsEmptyKey(t *testing.T) {
	if _, _, err := NewQueue().Enqueue("  ", device.Command{Action: "STOP"}); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func TestConcurrentProducersConsumersNoLoss(t *testing.T) {
	q := NewQueue()
	const devices, perDevice = 8, 50
	var wg sync.WaitGroup
	for d := 0; d < devices; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			key := device.Key{Addr: fmt.Sprintf("10.0.0.%d", d), Class: device.ClassTension}
			for i := 0; i < perDevice; i++ {
				_, _, _ = q.Enqueue(key.String(), device.Command{Action: fmt.Sprintf("A%d", i)})
			}
		}(d)
	}
	wg.Wait()

	var mu sync.Mutex
	total := 0
	for d := 0; d < devices; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			key := device.Key{Addr: fmt.Sprintf("10.0.0.%d", d), Class: device.ClassTension}
			for i := 0; ; i++ {
				cmd, ok := q.Dequeue(key)
				if !ok {
					return
				}
				if cmd.Action != fmt.Sprintf("A%d", i) {
					t.Errorf("device %d: out of order command %s at %d", d, cmd.Action, i)
				}
				mu.Lock()
				total++
				mu.Unlock()
			}
		}(d)
	}
	wg.Wait()
	if total != devices*perDevice {
		t.Fatalf("expected %d commands, got %d", devices*perDevice, total)
	}
}
