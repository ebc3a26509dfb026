package router

import (
	"container/list"
	"errors"
	"sync"

	"github.com/montana2ab/myriadmesh/node/pkg/meshmsg"
)

// ErrBandFull is returned when a band's bounded capacity is exceeded.
var ErrBandFull = errors.New("router: priority band at capacity")

// PriorityQueue holds five FIFO sub-queues, one per priority band, with a
// bounded per-band capacity. Dequeue always returns a message from the
// highest non-empty band (§4.H, §8 priority-order property).
type PriorityQueue struct {
	mu       sync.Mutex
	bands    [meshmsg.NumBands]*list.List
	capacity int
}

// NewPriorityQueue creates a queue with perBandCapacity slots in each band.
func NewPriorityQueue(perBandCapacity int) *PriorityQueue {
	pq := &PriorityQueue{capacity: perBandCapacity}
	for i := range pq.bands {
		pq.bands[i] = list.New()
	}
	return pq
}

// Enqueue appends msg to its priority band's FIFO queue.
func (pq *PriorityQueue) Enqueue(msg *meshmsg.Message) error {
	band := msg.Priority.Band()

	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.bands[band].Len() >= pq.capacity {
		return ErrBandFull
	}
	pq.bands[band].PushBack(msg)
	return nil
}

// Dequeue returns the next message from the highest non-empty band,
// highest band strictly preempting lower ones.
func (pq *PriorityQueue) Dequeue() (*meshmsg.Message, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	for band := meshmsg.NumBands - 1; band >= 0; band-- {
		front := pq.bands[band].Front()
		if front != nil {
			pq.bands[band].Remove(front)
			return front.Value.(*meshmsg.Message), true
		}
	}
	return nil, false
}

// BandStats is the per-band occupancy snapshot.
type BandStats struct {
	Band  int
	Count int
}

// Stats returns per-band and total counts.
func (pq *PriorityQueue) Stats() ([meshmsg.NumBands]BandStats, int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	var stats [meshmsg.NumBands]BandStats
	total := 0
	for i, b := range pq.bands {
		stats[i] = BandStats{Band: i, Count: b.Len()}
		total += b.Len()
	}
	return stats, total
}
