package homehub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DeviceStateStore keeps the last reported vendor states so that status
// reads never have to touch a vendor cloud inline.
type DeviceStateStore struct {
	mu             sync.RWMutex
	nestState      NestState
	nestUpdatedAt  time.Time
	sensiboState   SensiboState
	sensiboUpdated time.Time
	vesyncState    VeSyncState
	vesyncUpdated  time.Time
	tapoState      TapoState
	tapoUpdated    time.Time
	subscribers    map[chan struct{}]struct{}
}

func NewDeviceStateStore() *DeviceStateStore {
	return &DeviceStateStore{
		subscribers: map[chan struct{}]struct{}{},
	}
}

func (s *DeviceStateStore) notifyUpdated() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for subscriber := range s.subscribers {
		select {
		case subscriber <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel signalled after every state update. Each
// caller gets its own channel so concurrent listeners all wake up.
// Callers must Unsubscribe when done.
func (s *DeviceStateStore) Subscribe() chan struct{} {
	subscriber := make(chan struct{}, 1)
	s.mu.Lock()
	s.subscribers[subscriber] = struct{}{}
	s.mu.Unlock()
	return subscriber
}

func (s *DeviceStateStore) Unsubscribe(subscriber chan struct{}) {
	s.mu.Lock()
	delete(s.subscribers, subscriber)
	s.mu.Unlock()
}

// DeviceStatus is the shape the status APIs serve: the cached state
// plus how stale it is.
type DeviceStatus struct {
	State     any       `json:"state"`
	UpdatedAt time.Time `json:"updatedAt"`
	AgeSecs   float64   `json:"ageSecs"`
}

func deviceStatus(state any, updatedAt time.Time) DeviceStatus {
	var age float64
	if !updatedAt.IsZero() {
		age = time.Since(updatedAt).Seconds()
	}
	return DeviceStatus{State: state, UpdatedAt: updatedAt, AgeSecs: age}
}

func (s *DeviceStateStore) NestStatus() DeviceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deviceStatus(s.nestState, s.nestUpdatedAt)
}

func (s *DeviceStateStore) SensiboStatus() DeviceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deviceStatus(s.sensiboState, s.sensiboUpdated)
}

func (s *DeviceStateStore) VeSyncStatus() DeviceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deviceStatus(s.vesyncState, s.vesyncUpdated)
}

func (s *DeviceStateStore) TapoStatus() DeviceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deviceStatus(s.tapoState, s.tapoUpdated)
}

func (s *DeviceStateStore) GetNest() NestState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nestState
}

func (s *DeviceStateStore) GetSensibo() SensiboState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sensiboState
}

// UpdateFromEvent ingests known vendor state topics into the cache.
// Returns true if the event was handled.
func (s *DeviceStateStore) UpdateFromEvent(ev MQTTEvent) bool {
	switch ev.Topic {
	case "nest/state":
		var nestState NestState
		if err := json.Unmarshal(ev.Payload.([]byte), &nestState); err != nil {
			slog.Error("Could not unmarshal nest state", "payload", ev.Payload, "error", err)
			return false
		}
		s.mu.Lock()
		s.nestState = nestState
		s.nestUpdatedAt = ev.Timestamp
		s.mu.Unlock()
		s.notifyUpdated()
		return true
	case "sensibo/state":
		var sensiboState SensiboState
		if err := json.Unmarshal(ev.Payload.([]byte), &sensiboState); err != nil {
			slog.Error("Could not unmarshal sensibo state", "payload", ev.Payload, "error", err)
			return false
		}
		s.mu.Lock()
		s.sensiboState = sensiboState
		s.sensiboUpdated = ev.Timestamp
		s.mu.Unlock()
		s.notifyUpdated()
		return true
	case "vesync/state":
		var vesyncState VeSyncState
		if err := json.Unmarshal(ev.Payload.([]byte), &vesyncState); err != nil {
			slog.Error("Could not unmarshal vesync state", "payload", ev.Payload, "error", err)
			return false
		}
		s.mu.Lock()
		s.vesyncState = vesyncState
		s.vesyncUpdated = ev.Timestamp
		s.mu.Unlock()
		s.notifyUpdated()
		return true
	case "tapo/state":
		var tapoState TapoState
		if err := json.Unmarshal(ev.Payload.([]byte), &tapoState); err != nil {
			slog.Error("Could not unmarshal tapo state", "payload", ev.Payload, "error", err)
			return false
		}
		s.mu.Lock()
		s.tapoState = tapoState
		s.tapoUpdated = ev.Timestamp
		s.mu.Unlock()
		s.notifyUpdated()
		return true
	default:
		return false
	}
}

type DeviceStateDebugSnapshot struct {
	Nest      DeviceStatus `json:"nest"`
	Sensibo   DeviceStatus `json:"sensibo"`
	VeSync    DeviceStatus `json:"vesync"`
	Tapo      DeviceStatus `json:"tapo"`
	Timestamp time.Time    `json:"timestamp"`
}

func (s *DeviceStateStore) DebugSnapshot() DeviceStateDebugSnapshot {
	return DeviceStateDebugSnapshot{
		Nest:      s.NestStatus(),
		Sensibo:   s.SensiboStatus(),
		VeSync:    s.VeSyncStatus(),
		Tapo:      s.TapoStatus(),
		Timestamp: time.Now(),
	}
}
