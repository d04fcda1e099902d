package homehub

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// SensorLog appends timestamped readings to a CSV file. The header is
// written once when the file is created.
type SensorLog struct {
	mu   sync.Mutex
	path string
}

var sensorLogHeader = []string{
	"timestamp", "source", "temperatureF", "humidity",
}

func NewSensorLog(path string) *SensorLog {
	return &SensorLog{path: path}
}

func (s *SensorLog) Append(timestamp time.Time, source string, temperatureF, humidity float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, statErr := os.Stat(s.path)
	newFile := os.IsNotExist(statErr)

	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if newFile {
		if err := writer.Write(sensorLogHeader); err != nil {
			return err
		}
	}
	record := []string{
		timestamp.Format(time.RFC3339),
		source,
		fmt.Sprintf("%.1f", temperatureF),
		fmt.Sprintf("%.1f", humidity),
	}
	if err := writer.Write(record); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// SensorLogController logs each thermostat and AC state report.
type SensorLogController struct {
	masterController *MasterController
	sensorLog        *SensorLog
	mu               sync.Mutex
	initialized      bool
	Name             string
}

func (c *SensorLogController) Lock() {
	c.mu.Lock()
}

func (c *SensorLogController) Unlock() {
	c.mu.Unlock()
}

func (c *SensorLogController) IsInitialized() bool {
	return c.initialized
}

func (c *SensorLogController) Initialize(masterController *MasterController) []MQTTPublish {
	c.masterController = masterController
	c.Name = "sensorlog"
	c.sensorLog = NewSensorLog(masterController.config.SensorLogFile)
	c.initialized = true
	return nil
}

func (c *SensorLogController) ProcessEvent(ev MQTTEvent) []MQTTPublish {
	switch ev.Topic {
	case "nest/state":
		m := parseJSONPayload(ev)
		if m == nil {
			return nil
		}
		c.append(ev.Timestamp, "thermostat", m)
	case "sensibo/state":
		m := parseJSONPayload(ev)
		if m == nil {
			return nil
		}
		c.append(ev.Timestamp, "ac", m)
	}
	return nil
}

func (c *SensorLogController) append(timestamp time.Time, source string, m map[string]interface{}) {
	temperature, _ := m["ambientF"].(float64)
	if source == "ac" {
		temperature, _ = m["temperatureF"].(float64)
	}
	humidity, _ := m["humidity"].(float64)
	if err := c.sensorLog.Append(timestamp, source, temperature, humidity); err != nil {
		slog.Error("Could not append sensor log", "path", c.masterController.config.SensorLogFile, "error", err)
	}
}

func (c *SensorLogController) DebugState() ControllerDebugState {
	return ControllerDebugState{
		Name:        c.Name,
		Initialized: c.initialized,
	}
}
