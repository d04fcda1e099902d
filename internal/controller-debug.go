package homehub

import (
	"encoding/json"
	"net/http"
	"sync"
)

// DebugController exposes the internal state value map and the cached
// device states over the web controller's router. It initializes lazily
// because the router only exists once the web controller has run.
type DebugController struct {
	masterController *MasterController
	mu               sync.Mutex
	initialized      bool
	Name             string
}

func (c *DebugController) Lock() {
	c.mu.Lock()
}

func (c *DebugController) Unlock() {
	c.mu.Unlock()
}

func (c *DebugController) IsInitialized() bool {
	return c.initialized
}

func (c *DebugController) Initialize(masterController *MasterController) []MQTTPublish {
	c.masterController = masterController
	c.Name = "debug"

	if masterController.webRouter == nil {
		return nil
	}
	masterController.webRouter.HandleFunc("/debug/statevalues", c.stateValueMapHandler)
	masterController.webRouter.HandleFunc("/debug/devicestate", c.deviceStateHandler)
	c.initialized = true
	return nil
}

func (c *DebugController) ProcessEvent(_ MQTTEvent) []MQTTPublish {
	return nil
}

func (c *DebugController) DebugState() ControllerDebugState {
	return ControllerDebugState{
		Name:        c.Name,
		Initialized: c.initialized,
	}
}

func (c *DebugController) stateValueMapHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snapshot := c.masterController.stateValueMap.Snapshot()
	controllerStates := []ControllerDebugState{}
	if c.masterController.controllers != nil {
		for _, controller := range *c.masterController.controllers {
			controllerStates = append(controllerStates, controller.DebugState())
		}
	}

	response := struct {
		StateValues map[StateKey]StateValueSnapshot `json:"stateValues"`
		Controllers []ControllerDebugState          `json:"controllers"`
	}{
		StateValues: snapshot,
		Controllers: controllerStates,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (c *DebugController) deviceStateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snapshot := c.masterController.deviceStateStore.DebugSnapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}
