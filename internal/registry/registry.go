// v0
// internal/registry/registry.go
package registry

import (
	"hash/fnv"
	"sort"
	"sync"

	"nrgchamp/floorctl/internal/device"
)

// Store is the device registry seen by sessions and the HTTP surface.
type Store interface {
	Get(key string) (device.Record, bool)
	Set(key string, rec device.Record)
	Delete(key string)
	List() map[string]device.Record
	Len() int
}

const shardCount = 16

// Sharded is a Store partitioned across independently locked shards so
// unrelated devices do not contend on a single mutex.
type Sharded struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.RWMutex
	records map[string]device.Record
}

// NewSharded returns an empty registry.
func NewSharded() *Sharded {
	s := &Sharded{}
	for i := range s.shards {
		s.shards[i].records = make(map[string]device.Record)
	}
	return s
}

func (s *Sharded) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *Sharded) Get(key string) (device.Record, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.records[key]
	return rec, ok
}

// Set replaces the record for key. Records are stored by value; callers must
// hand over a Data map they no longer mutate.
func (s *Sharded) Set(key string, rec device.Record) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.records[key] = rec
	sh.mu.Unlock()
}

func (s *Sharded) Delete(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.records, key)
	sh.mu.Unlock()
}

// List returns a point-in-time copy of all records.
func (s *Sharded) List() map[string]device.Record {
	out := make(map[string]device.Record)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, v := range sh.records {
			out[k] = v
		}
		sh.mu.RUnlock()
	}
	return out
}

func (s *Sharded) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}
	return n
}

// Keys returns the registered keys in lexical order.
func Keys(s Store) []string {
	all := s.List()
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
