// Package state tracks per-stage pipeline progress and persists it to
// durable checkpoint files so that interrupted runs can resume.
//
// Each stage (crawl, embed, upload) exclusively owns one State. A State
// records discovered, completed and failed item identifiers; the pending
// work set is discovered minus completed minus failed. Completed and failed
// are disjoint at all times: marking an item done clears any earlier
// failure, and a failure is ignored for an already-completed item.
//
// Checkpoint files are plain JSON, one per stage, written atomically
// (write-temp-then-rename). A missing or corrupt file loads as a fresh
// empty state: forward progress is favoured over strict consistency.
package state

import (
	"encoding/json"
	"time"
)

// Stage identifies a pipeline stage. Stage names double as checkpoint
// file name prefixes (<stage>_state.json).
type Stage string

// Pipeline stages in execution order.
const (
	StageCrawl  Stage = "crawl"
	StageEmbed  Stage = "embed"
	StageUpload Stage = "upload"
)

// State tracks progress for a single pipeline stage. It is not safe for
// concurrent mutation; stages funnel results through a single aggregating
// goroutine before touching it.
type State struct {
	discovered    []string
	discoveredSet map[string]struct{}
	completed     map[string]struct{}
	failed        map[string]string
	lastUpdated   time.Time
}

// New returns an empty State.
func New() *State {
	return &State{
		discoveredSet: make(map[string]struct{}),
		completed:     make(map[string]struct{}),
		failed:        make(map[string]string),
	}
}

// Discover records item identifiers as known work. Duplicates are ignored;
// insertion order is preserved so checkpoint files stay readable.
func (s *State) Discover(ids ...string) {
	for _, id := range ids {
		if _, ok := s.discoveredSet[id]; ok {
			continue
		}
		s.discoveredSet[id] = struct{}{}
		s.discovered = append(s.discovered, id)
	}
	s.touch()
}

// MarkDone marks items as completed. A previously recorded failure for the
// same item is cleared, keeping completed and failed disjoint.
func (s *State) MarkDone(ids ...string) {
	for _, id := range ids {
		delete(s.failed, id)
		s.completed[id] = struct{}{}
	}
	s.touch()
}

// MarkFailed records an item failure with its error description.
// Failures for already-completed items are ignored.
func (s *State) MarkFailed(id, errMsg string) {
	if _, done := s.completed[id]; done {
		return
	}
	s.failed[id] = errMsg
	s.touch()
}

// IsDone reports whether the item needs no further work: it either
// completed or failed permanently.
func (s *State) IsDone(id string) bool {
	if _, ok := s.completed[id]; ok {
		return true
	}
	_, ok := s.failed[id]
	return ok
}

// IsCompleted reports whether the item completed successfully.
func (s *State) IsCompleted(id string) bool {
	_, ok := s.completed[id]
	return ok
}

// Pending returns discovered items that are neither completed nor failed,
// in discovery order.
func (s *State) Pending() []string {
	pending := make([]string, 0, len(s.discovered))
	for _, id := range s.discovered {
		if !s.IsDone(id) {
			pending = append(pending, id)
		}
	}
	return pending
}

// Failed returns a copy of the failed item map.
func (s *State) Failed() map[string]string {
	out := make(map[string]string, len(s.failed))
	for k, v := range s.failed {
		out[k] = v
	}
	return out
}

// Requeue removes items from the failed map so a later run re-attempts
// them. Unknown or completed items are left untouched.
func (s *State) Requeue(ids ...string) {
	for _, id := range ids {
		delete(s.failed, id)
	}
	s.touch()
}

// Prune removes items from the state entirely: discovered, completed and
// failed. Used when an item identifier no longer corresponds to real work,
// such as a chunk ID from a page whose content has since changed.
func (s *State) Prune(ids ...string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
		delete(s.discoveredSet, id)
		delete(s.completed, id)
		delete(s.failed, id)
	}
	kept := s.discovered[:0]
	for _, id := range s.discovered {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
		}
	}
	s.discovered = kept
	s.touch()
}

// RequeueFailed moves every failed item back to pending and returns how
// many were requeued.
func (s *State) RequeueFailed() int {
	n := len(s.failed)
	if n == 0 {
		return 0
	}
	s.failed = make(map[string]string)
	s.touch()
	return n
}

// DiscoveredCount returns the number of discovered items.
func (s *State) DiscoveredCount() int { return len(s.discovered) }

// CompletedCount returns the number of completed items.
func (s *State) CompletedCount() int { return len(s.completed) }

// FailedCount returns the number of failed items.
func (s *State) FailedCount() int { return len(s.failed) }

// FailureRatio returns failed / discovered, or 0 for an empty state.
// Stages compare this against the configured failure threshold.
func (s *State) FailureRatio() float64 {
	if len(s.discovered) == 0 {
		return 0
	}
	return float64(len(s.failed)) / float64(len(s.discovered))
}

// LastUpdated returns the time of the most recent mutation.
func (s *State) LastUpdated() time.Time { return s.lastUpdated }

func (s *State) touch() { s.lastUpdated = time.Now().UTC() }

// stateFile is the on-disk JSON representation. Field names follow the
// checkpoint layout consumed by operators inspecting a stuck run.
type stateFile struct {
	Discovered  []string          `json:"discovered"`
	Completed   []string          `json:"completed"`
	Failed      map[string]string `json:"failed"`
	TotalItems  int               `json:"total_items"`
	Completed_  int               `json:"completed_items"`
	LastUpdated time.Time         `json:"last_updated"`
}

// MarshalJSON implements json.Marshaler. Completed items are emitted in
// discovery order where possible so diffs between checkpoints stay stable.
func (s *State) MarshalJSON() ([]byte, error) {
	completed := make([]string, 0, len(s.completed))
	for _, id := range s.discovered {
		if _, ok := s.completed[id]; ok {
			completed = append(completed, id)
		}
	}
	// Items completed without a discovery record (e.g. requeued manually).
	if len(completed) < len(s.completed) {
		seen := make(map[string]struct{}, len(completed))
		for _, id := range completed {
			seen[id] = struct{}{}
		}
		for id := range s.completed {
			if _, ok := seen[id]; !ok {
				completed = append(completed, id)
			}
		}
	}

	return json.Marshal(stateFile{
		Discovered:  s.discovered,
		Completed:   completed,
		Failed:      s.failed,
		TotalItems:  len(s.discovered),
		Completed_:  len(s.completed),
		LastUpdated: s.lastUpdated,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	var f stateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}

	*s = *New()
	s.discovered = f.Discovered
	for _, id := range f.Discovered {
		s.discoveredSet[id] = struct{}{}
	}
	for _, id := range f.Completed {
		s.completed[id] = struct{}{}
	}
	for id, msg := range f.Failed {
		if _, done := s.completed[id]; !done {
			s.failed[id] = msg
		}
	}
	s.lastUpdated = f.LastUpdated
	return nil
}
