package homehub

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"
)

// ScheduleState records the last calendar day each scheduled transition
// ran, as YYYY-MM-DD strings. A missing or unreadable file means
// "never ran".
type ScheduleState struct {
	LastWakeDate  string `json:"lastWakeDate"`
	LastSleepDate string `json:"lastSleepDate"`
}

func LoadScheduleState(path string) ScheduleState {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			// Corrupt or unreadable state resets the schedule rather
			// than wedging it.
			os.Remove(path)
		}
		return ScheduleState{}
	}
	var state ScheduleState
	if err := json.Unmarshal(data, &state); err != nil {
		return ScheduleState{}
	}
	return state
}

func (s ScheduleState) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func dateString(t time.Time) string {
	return t.Format("2006-01-02")
}

// Presence marker file, "home" or "away" in plain text.

func LoadPresence(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	presence := strings.TrimSpace(string(data))
	if presence != "home" && presence != "away" {
		return "", false
	}
	return presence, true
}

func SavePresence(path, presence string) error {
	return os.WriteFile(path, []byte(presence+"\n"), 0o644)
}
