package homehub

import (
	"log/slog"
	"sync"
	"time"
)

type StateKey string

type StateValue struct {
	value       bool
	lastUpdate  time.Time
	lastSetTrue time.Time
	lastChanged time.Time
}

func (v StateValue) recentlyTrue(duration time.Duration) bool {
	if v.value {
		return true
	}
	if v.lastSetTrue.IsZero() {
		return false
	}
	return time.Since(v.lastSetTrue) <= duration
}

type StateValueMap struct {
	mu        sync.RWMutex
	values    map[StateKey]StateValue
	callbacks []func(key StateKey, value, new, updated bool)
}

func NewStateValueMap() StateValueMap {
	return StateValueMap{values: map[StateKey]StateValue{}}
}

func (s *StateValueMap) registerCallback(callback func(key StateKey, value, new, updated bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, callback)
}

func (s *StateValueMap) setState(key StateKey, value bool) {
	s.mu.Lock()

	now := time.Now()
	existing, exists := s.values[key]
	updated := exists && existing.value != value

	stateValue := existing
	stateValue.value = value
	stateValue.lastUpdate = now
	if value {
		stateValue.lastSetTrue = now
	}
	if !exists || updated {
		stateValue.lastChanged = now
	}
	s.values[key] = stateValue
	callbacks := s.callbacks
	s.mu.Unlock()

	if updated {
		slog.Debug("State value changed", "key", key, "value", value)
	}
	for _, callback := range callbacks {
		callback(key, value, !exists, updated)
	}
}

func (s *StateValueMap) getState(key StateKey) (StateValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stateValue, exists := s.values[key]
	return stateValue, exists
}

func (s *StateValueMap) setStateValue(key StateKey, value StateValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *StateValueMap) requireTrue(key StateKey) bool {
	stateValue, exists := s.getState(key)
	return exists && stateValue.value
}

func (s *StateValueMap) requireFalse(key StateKey) bool {
	stateValue, exists := s.getState(key)
	return exists && !stateValue.value
}

// requireTrueSince requires that the value is true and has been true
// at least for the given duration.
func (s *StateValueMap) requireTrueSince(key StateKey, duration time.Duration) bool {
	stateValue, exists := s.getState(key)
	if !exists || !stateValue.value {
		return false
	}
	return time.Since(stateValue.lastChanged) >= duration
}

// requireTrueRecently requires that the value is true now or was last
// true within the given duration.
func (s *StateValueMap) requireTrueRecently(key StateKey, duration time.Duration) bool {
	stateValue, exists := s.getState(key)
	if !exists {
		return false
	}
	return stateValue.recentlyTrue(duration)
}

// requireTrueNotRecently requires that the value is false and has not
// been true within the given duration.
func (s *StateValueMap) requireTrueNotRecently(key StateKey, duration time.Duration) bool {
	stateValue, exists := s.getState(key)
	if !exists || stateValue.value {
		return false
	}
	if stateValue.lastSetTrue.IsZero() {
		return true
	}
	return time.Since(stateValue.lastSetTrue) > duration
}

type StateValueSnapshot struct {
	Value       bool      `json:"value"`
	LastUpdate  time.Time `json:"lastUpdate"`
	LastSetTrue time.Time `json:"lastSetTrue"`
	LastChanged time.Time `json:"lastChanged"`
}

func (s *StateValueMap) Snapshot() map[StateKey]StateValueSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[StateKey]StateValueSnapshot, len(s.values))
	for key, value := range s.values {
		snapshot[key] = StateValueSnapshot{
			Value:       value.value,
			LastUpdate:  value.lastUpdate,
			LastSetTrue: value.lastSetTrue,
			LastChanged: value.lastChanged,
		}
	}
	return snapshot
}
