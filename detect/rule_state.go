package detect

import (
	"sort"
	"sync"
	"time"

	"argus/core"
)

type windowEntry struct {
	at time.Time
	ev *core.Event
}

// ruleState is the runtime state of one rule id. All fields are guarded by mu.
type ruleState struct {
	mu sync.Mutex

	// window is ordered by at, oldest first.
	window []windowEntry

	unlessTriggered time.Time
	unlessTimeout   time.Duration
	pending         *core.Event
}

// ActivationCount is the outcome of RecordActivation.
type ActivationCount struct {
	// Count is the number of window entries counted toward the rate.
	Count int
	// Logs holds the messages of the counted entries, oldest first.
	Logs []string
}

// RuleStateInfo describes the state of one rule for inspection.
type RuleStateInfo struct {
	RuleID         uint32     `json:"rule_id"`
	WindowSize     int        `json:"window_size"`
	UnlessArmed    bool       `json:"unless_armed"`
	UnlessDeadline *time.Time `json:"unless_deadline,omitempty"`
}

// RuleStateStore holds the mutable state of rules with an activation group
// or an unless clause. Each rule id has its own lock, so the processing
// goroutine and the state flusher only contend on the same rule.
type RuleStateStore struct {
	mu     sync.RWMutex
	states map[uint32]*ruleState
}

// NewRuleStateStore returns an empty store.
func NewRuleStateStore() *RuleStateStore {
	return &RuleStateStore{states: make(map[uint32]*ruleState)}
}

func (s *RuleStateStore) get(ruleID uint32) *ruleState {
	s.mu.RLock()
	st, ok := s.states[ruleID]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.states[ruleID]; !ok {
		st = &ruleState{}
		s.states[ruleID] = st
	}
	return st
}

func (s *RuleStateStore) lookup(ruleID uint32) (*ruleState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[ruleID]
	return st, ok
}

func (s *RuleStateStore) all() map[uint32]*ruleState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint32]*ruleState, len(s.states))
	for id, st := range s.states {
		out[id] = st
	}
	return out
}

// RecordActivation adds a snapshot of ev to the window of ruleID when record
// is set, drops entries older than window and counts what is left. With a
// sameField only entries whose value for that field equals ev's are counted,
// and nothing is counted if ev lacks the field.
func (s *RuleStateStore) RecordActivation(ruleID uint32, at time.Time, ev *core.Event, record bool, window time.Duration, sameField string) ActivationCount {
	st := s.get(ruleID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if record {
		st.insert(windowEntry{at: at, ev: ev.Clone()})
	}
	st.prune(at, window)

	var res ActivationCount
	if sameField == "" {
		res.Count = len(st.window)
		res.Logs = make([]string, 0, len(st.window))
		for _, e := range st.window {
			res.Logs = append(res.Logs, e.ev.LogStr)
		}
		return res
	}

	want, ok := ev.Field(sameField)
	if !ok {
		return res
	}
	for _, e := range st.window {
		if v, ok := e.ev.Field(sameField); ok && v == want {
			res.Count++
			res.Logs = append(res.Logs, e.ev.LogStr)
		}
	}
	return res
}

// insert keeps the window ordered; entries with equal timestamps stay in
// arrival order.
func (st *ruleState) insert(e windowEntry) {
	n := len(st.window)
	if n == 0 || !e.at.Before(st.window[n-1].at) {
		st.window = append(st.window, e)
		return
	}
	i := sort.Search(n, func(i int) bool { return st.window[i].at.After(e.at) })
	st.window = append(st.window, windowEntry{})
	copy(st.window[i+1:], st.window[i:])
	st.window[i] = e
}

// prune drops entries with at + window < now.
func (st *ruleState) prune(now time.Time, window time.Duration) {
	cut := 0
	for cut < len(st.window) && st.window[cut].at.Add(window).Before(now) {
		cut++
	}
	if cut == 0 {
		return
	}
	n := copy(st.window, st.window[cut:])
	clear(st.window[n:])
	st.window = st.window[:n]
}

// ResetWindow empties the window of ruleID.
func (s *RuleStateStore) ResetWindow(ruleID uint32) {
	st, ok := s.lookup(ruleID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	clear(st.window)
	st.window = st.window[:0]
}

// ResetWindowMatching removes the window entries of ruleID whose field
// equals value. Other entries keep their order.
func (s *RuleStateStore) ResetWindowMatching(ruleID uint32, field, value string) {
	st, ok := s.lookup(ruleID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	kept := st.window[:0]
	for _, e := range st.window {
		if v, ok := e.ev.Field(field); ok && v == value {
			continue
		}
		kept = append(kept, e)
	}
	clear(st.window[len(kept):])
	st.window = kept
}

// windowSize returns the number of entries in the window of ruleID.
func (s *RuleStateStore) windowSize(ruleID uint32) int {
	st, ok := s.lookup(ruleID)
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.window)
}

// ArmUnless caches ev as the pending alert of ruleID and (re)starts its timer.
func (s *RuleStateStore) ArmUnless(ruleID uint32, ev *core.Event, at time.Time, timeout time.Duration) {
	st := s.get(ruleID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.unlessTriggered = at
	st.unlessTimeout = timeout
	st.pending = ev
}

// CancelUnless disarms the timer of ruleID. It reports whether a pending
// alert was dropped.
func (s *RuleStateStore) CancelUnless(ruleID uint32) bool {
	st := s.get(ruleID)
	st.mu.Lock()
	defer st.mu.Unlock()
	armed := !st.unlessTriggered.IsZero()
	st.unlessTriggered = time.Time{}
	st.pending = nil
	return armed
}

// DrainExpired disarms every timer whose deadline is before now and returns
// the cached events, ordered by rule id. Each armed timer yields its event
// at most once.
func (s *RuleStateStore) DrainExpired(now time.Time) []*core.Event {
	states := s.all()
	ids := make([]uint32, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []*core.Event
	for _, id := range ids {
		st := states[id]
		st.mu.Lock()
		if !st.unlessTriggered.IsZero() && st.unlessTriggered.Add(st.unlessTimeout).Before(now) {
			if st.pending != nil {
				out = append(out, st.pending)
			}
			st.unlessTriggered = time.Time{}
			st.pending = nil
		}
		st.mu.Unlock()
	}
	return out
}

// Snapshot describes every known rule state, ordered by rule id.
func (s *RuleStateStore) Snapshot() []RuleStateInfo {
	states := s.all()
	out := make([]RuleStateInfo, 0, len(states))
	for id, st := range states {
		st.mu.Lock()
		info := RuleStateInfo{RuleID: id, WindowSize: len(st.window)}
		if !st.unlessTriggered.IsZero() {
			info.UnlessArmed = true
			deadline := st.unlessTriggered.Add(st.unlessTimeout)
			info.UnlessDeadline = &deadline
		}
		st.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}
