// v0
// internal/commands/queue.go
package commands

import (
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nrgchamp/floorctl/internal/device"
)

// ErrEmptyKey rejects commands without a target.
var ErrEmptyKey = errors.New("command target must not be empty")

const stripeCount = 16

// Queue holds per-target FIFO queues of operator commands. Targets are
// either a full device key (addr_CLASS) or a bare address that addresses
// every class at that address.
type Queue struct {
	stripes [stripeCount]stripe
}

type stripe struct {
	mu     sync.Mutex
	queues map[string][]device.Command
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	for i := range q.stripes {
		q.stripes[i].queues = make(map[string][]device.Command)
	}
	return q
}

// Target resolves the queue key for an address and an optional device
// type.
func Target(addr, deviceType string) string {
	addr = strings.TrimSpace(addr)
	deviceType = strings.TrimSpace(deviceType)
	if deviceType == "" {
		return addr
	}
	return addr + "_" + deviceType
}

func (q *Queue) stripeFor(key string) *stripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &q.stripes[h.Sum32()%stripeCount]
}

// Enqueue appends cmd to the queue for key and returns the new depth. An
// empty ID or timestamp is filled in; an empty message is synthesized from
// the action.
func (q *Queue) Enqueue(key string, cmd device.Command) (device.Command, int, error) {
	if strings.TrimSpace(key) == "" {
		return device.Command{}, 0, ErrEmptyKey
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = time.Now().UTC()
	}
	if cmd.Message == "" {
		cmd.Message = "Manual Control: " + cmd.Action
	}
	s := q.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[key] = append(s.queues[key], cmd)
	return cmd, len(s.queues[key]), nil
}

// Dequeue pops the oldest command for k, trying the exact device key first
// and then the address-only key.
func (q *Queue) Dequeue(k device.Key) (device.Command, bool) {
	if cmd, ok := q.pop(k.String()); ok {
		return cmd, true
	}
	return q.pop(k.Addr)
}

func (q *Queue) pop(key string) (device.Command, bool) {
	s := q.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.queues[key]
	if len(pending) == 0 {
		return device.Command{}, false
	}
	cmd := pending[0]
	pending[0] = device.Command{}
	if len(pending) == 1 {
		delete(s.queues, key)
	} else {
		s.queues[key] = pending[1:]
	}
	return cmd, true
}

// Depth reports the number of pending commands for key.
func (q *Queue) Depth(key string) int {
	s := q.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[key])
}

// Snapshot returns a copy of every non-empty queue.
func (q *Queue) Snapshot() map[string][]device.Command {
	out := make(map[string][]device.Command)
	for i := range q.stripes {
		s := &q.stripes[i]
		s.mu.Lock()
		for k, v := range s.queues {
			out[k] = append([]device.Command(nil), v...)
		}
		s.mu.Unlock()
	}
	return out
}
