package notify

import "sync"

const DefaultDedupCapacity = 100

// DedupSet remembers recently seen keys. When an insert pushes it past
// capacity the oldest half is evicted, so it approximates a sliding window
// rather than an exact LRU.
type DedupSet struct {
	mu       sync.Mutex
	capacity int
	order    []string
	keys     map[string]struct{}
}

func NewDedupSet(capacity int) *DedupSet {
	if capacity < 2 {
		capacity = DefaultDedupCapacity
	}
	return &DedupSet{
		capacity: capacity,
		order:    make([]string, 0, capacity+1),
		keys:     make(map[string]struct{}, capacity+1),
	}
}

// Add records key and reports whether it was new.
func (d *DedupSet) Add(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.keys[key]; ok {
		return false
	}
	d.keys[key] = struct{}{}
	d.order = append(d.order, key)

	if len(d.order) > d.capacity {
		evict := d.capacity / 2
		for _, k := range d.order[:evict] {
			delete(d.keys, k)
		}
		d.order = append(d.order[:0:0], d.order[evict:]...)
	}
	return true
}

func (d *DedupSet) Contains(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.keys[key]
	return ok
}

func (d *DedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}
