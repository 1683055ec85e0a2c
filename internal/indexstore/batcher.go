package indexstore

import (
	"encoding/json"
	"sync"
	"time"
)

// bulkDoc is one queued document, already marshaled.
type bulkDoc struct {
	index string
	body  json.RawMessage
}

// docBatcher coalesces queued documents into bulk writes. A flush fires when
// maxDocs accumulate or age elapses after the first queued document,
// whichever comes first.
type docBatcher struct {
	mu      sync.Mutex
	docs    []bulkDoc
	maxDocs int
	age     time.Duration
	write   func([]bulkDoc)
	timer   *time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func newDocBatcher(maxDocs int, age time.Duration, write func([]bulkDoc)) *docBatcher {
	return &docBatcher{maxDocs: maxDocs, age: age, write: write}
}

// add queues a document. Documents added after stop are dropped.
func (b *docBatcher) add(d bulkDoc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	b.docs = append(b.docs, d)
	if len(b.docs) >= b.maxDocs {
		b.flushLocked()
		return
	}

	// Arm the age timer when the batch starts.
	if len(b.docs) == 1 {
		b.timer = time.AfterFunc(b.age, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if !b.stopped && len(b.docs) > 0 {
				b.flushLocked()
			}
		})
	}
}

// stop flushes anything pending, waits for in-flight writes, and drops all
// later adds.
func (b *docBatcher) stop() {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
	}
	if len(b.docs) > 0 {
		b.flushLocked()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *docBatcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	docs := b.docs
	b.docs = nil
	// The write runs off the lock; a slow bulk request must not block adds.
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.write(docs)
	}()
}
