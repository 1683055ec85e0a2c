// Package dedup suppresses repeated transmissions of the same call. Multiple
// recorder instances hearing one transmission report near-identical start
// times and lengths; only the first report should flow downstream.
package dedup

import (
	"math"
	"sync"
)

// windowSize bounds how many recent calls are remembered per
// (system, talkgroup).
const windowSize = 15

// Record is one remembered transmission.
type Record struct {
	StartTime  float64
	CallLength float64
	InstanceID string
}

// Policy is the per-system duplicate matching configuration.
type Policy struct {
	StartDifferenceThreshold float64
	LengthThreshold          float64
	// CheckSameInstance admits matches from the same recorder instance.
	// When false, a call only duplicates one from a different instance.
	CheckSameInstance bool
	// SimulcastTalkgroups are talkgroups carrying the same audio. A call on
	// any of them is checked against, and recorded under, all of them.
	SimulcastTalkgroups []int
}

type key struct {
	system    string
	talkgroup int
}

// Detector holds the shared transmission history. Check-and-insert is one
// critical section under a single mutex.
type Detector struct {
	mu     sync.Mutex
	window map[key][]Record
}

func New() *Detector {
	return &Detector{window: make(map[key][]Record)}
}

// Check reports whether rec duplicates a remembered transmission on
// (system, talkgroup). Non-duplicates are appended to the window of every
// checked talkgroup before returning. On a match the remembered record is
// returned; windows scan oldest to newest and the first match wins.
func (d *Detector) Check(system string, talkgroup int, rec Record, pol Policy) (Record, bool) {
	group := []int{talkgroup}
	for _, tg := range pol.SimulcastTalkgroups {
		if tg == talkgroup {
			group = pol.SimulcastTalkgroups
			break
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, tg := range group {
		for _, prev := range d.window[key{system, tg}] {
			if pol.matches(prev, rec) {
				return prev, true
			}
		}
	}

	for _, tg := range group {
		k := key{system, tg}
		win := append(d.window[k], rec)
		if len(win) > windowSize {
			win = win[len(win)-windowSize:]
		}
		d.window[k] = win
	}

	return Record{}, false
}

func (p Policy) matches(prev, cur Record) bool {
	if math.Abs(cur.StartTime-prev.StartTime) > p.StartDifferenceThreshold {
		return false
	}
	if math.Abs(cur.CallLength-prev.CallLength) > p.LengthThreshold {
		return false
	}
	if !p.CheckSameInstance && cur.InstanceID == prev.InstanceID {
		return false
	}
	return true
}

// Len returns the current window size for a (system, talkgroup), for tests
// and the stats endpoint.
func (d *Detector) Len(system string, talkgroup int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.window[key{system, talkgroup}])
}
