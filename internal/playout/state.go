package playout

import (
	"encoding/json"
	"fmt"
)

// Slot phases. A slot runs pre-roll, then content with optional mid-rolls,
// then post-roll, then optionally tail filler up to the next fixed start.
const (
	phasePre     = "pre"
	phaseContent = "content"
	phaseMid     = "mid"
	phasePost    = "post"
	phaseTail    = "tail"
)

// engineState is the persisted playout position, stored as opaque JSON in
// the playout row so a restart resumes exactly where the channel left off.
type engineState struct {
	SlotIndex    int                   `json:"slot_index"`
	Phase        string                `json:"phase,omitempty"`
	ContentCount int                   `json:"content_count,omitempty"`
	ContentSecs  int                   `json:"content_seconds,omitempty"`
	Current      *currentRef           `json:"current,omitempty"`
	Enumerators  map[string]*enumState `json:"enumerators,omitempty"`
}

// currentRef pins the item being played until Advance settles it.
type currentRef struct {
	MediaID int64  `json:"media_id"`
	Filler  bool   `json:"filler,omitempty"`
	Phase   string `json:"phase"`
}

// enumState is one enumerator's persisted position.
type enumState struct {
	Cursor      int     `json:"cursor"`
	Permutation []int   `json:"permutation,omitempty"`
	Recent      []int64 `json:"recent,omitempty"`
	Group       int     `json:"group,omitempty"`
}

func decodeState(raw string) (engineState, error) {
	var st engineState
	if raw == "" {
		return st, nil
	}
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return engineState{}, fmt.Errorf("playout: decode state: %w", err)
	}
	return st, nil
}

func (st *engineState) encode() string {
	b, err := json.Marshal(st)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// clone deep-copies the state for EPG simulation.
func (st *engineState) clone() engineState {
	var out engineState
	b, _ := json.Marshal(st)
	_ = json.Unmarshal(b, &out)
	return out
}

func (st *engineState) enumerator(key string) *enumState {
	if st.Enumerators == nil {
		st.Enumerators = make(map[string]*enumState)
	}
	es, ok := st.Enumerators[key]
	if !ok {
		es = &enumState{}
		st.Enumerators[key] = es
	}
	return es
}

func (st *engineState) resetSlotProgress(phase string) {
	st.Phase = phase
	st.ContentCount = 0
	st.ContentSecs = 0
}
