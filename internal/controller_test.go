package homehub

import (
	"sync"
	"testing"
	"time"
)

// stubController replays canned publishes for every event.
type stubController struct {
	mu        sync.Mutex
	toPublish []MQTTPublish
	events    []MQTTEvent
}

func (c *stubController) Lock()   { c.mu.Lock() }
func (c *stubController) Unlock() { c.mu.Unlock() }

func (c *stubController) IsInitialized() bool { return true }

func (c *stubController) Initialize(_ *MasterController) []MQTTPublish { return nil }

func (c *stubController) ProcessEvent(ev MQTTEvent) []MQTTPublish {
	c.events = append(c.events, ev)
	return c.toPublish
}

func (c *stubController) DebugState() ControllerDebugState {
	return ControllerDebugState{Name: "stub", Initialized: true}
}

func waitForPublishes(t *testing.T, mqttClient *fakeMQTTClient, expected int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(mqttClient.recorded()) >= expected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %d publishes, got %v", expected, mqttClient.recorded())
}

func TestIsCommandTopic(t *testing.T) {
	cases := []struct {
		topic    string
		expected bool
	}{
		{"nest/eco/set", true},
		{"tapo/lamp/power/set", true},
		{"homehub/notify/send", true},
		{"nest/state", false},
		{"homehub/transition/run", false},
		{"homehub/notify", false},
		{"homehub/ticker/1m", false},
	}
	for _, c := range cases {
		if got := isCommandTopic(c.topic); got != c.expected {
			t.Errorf("isCommandTopic(%q): expected %v, got %v", c.topic, c.expected, got)
		}
	}
}

func TestDryRunSuppressesCommandTopics(t *testing.T) {
	masterController := CreateMasterController()
	masterController.config = Config{DryRun: true}

	controller := &stubController{toPublish: []MQTTPublish{
		{Topic: "nest/eco/set", Payload: "true", Qos: 2},
		{Topic: "homehub/notify", Payload: "report", Qos: 1},
	}}
	controllers := []Controller{Controller(controller)}
	masterController.controllers = &controllers

	mqttClient := &fakeMQTTClient{}
	masterController.ProcessEvent(mqttClient, MQTTEvent{Topic: "homehub/ticker/1m", Payload: []byte("")})

	waitForPublishes(t, mqttClient, 1)
	time.Sleep(50 * time.Millisecond)
	published := mqttClient.recorded()
	if len(published) != 1 {
		t.Fatalf("Expected only the non-command publish, got %v", published)
	}
	if published[0].topic != "homehub/notify" {
		t.Errorf("Expected homehub/notify to pass through, got %q", published[0].topic)
	}
}

func TestProcessEventPublishesCommandsWhenLive(t *testing.T) {
	masterController := CreateMasterController()

	controller := &stubController{toPublish: []MQTTPublish{
		{Topic: "nest/eco/set", Payload: "true", Qos: 2},
	}}
	controllers := []Controller{Controller(controller)}
	masterController.controllers = &controllers

	mqttClient := &fakeMQTTClient{}
	masterController.ProcessEvent(mqttClient, MQTTEvent{Topic: "homehub/ticker/1m", Payload: []byte("")})

	waitForPublishes(t, mqttClient, 1)
	if published := mqttClient.recorded(); published[0].topic != "nest/eco/set" {
		t.Errorf("Expected the command to be published, got %q", published[0].topic)
	}
}

func TestEventCallbacksTrackVendorStates(t *testing.T) {
	masterController := CreateMasterController()
	masterController.Init()
	controllers := []Controller{}
	masterController.controllers = &controllers
	mqttClient := &fakeMQTTClient{}

	masterController.ProcessEvent(mqttClient, MQTTEvent{
		Topic:   "nest/state",
		Payload: []byte(`{"hvacStatus": "HEATING", "ambientF": 69.8, "humidity": 43.0, "eco": false}`),
	})
	if !masterController.stateValueMap.requireTrue("hvacActive") {
		t.Errorf("Expected hvacActive true while heating")
	}
	if !masterController.stateValueMap.requireFalse("thermostatEco") {
		t.Errorf("Expected thermostatEco false")
	}

	masterController.ProcessEvent(mqttClient, MQTTEvent{
		Topic:   "nest/state",
		Payload: []byte(`{"hvacStatus": "OFF", "eco": true}`),
	})
	if !masterController.stateValueMap.requireFalse("hvacActive") {
		t.Errorf("Expected hvacActive false when idle")
	}
	if !masterController.stateValueMap.requireTrue("thermostatEco") {
		t.Errorf("Expected thermostatEco true")
	}

	masterController.ProcessEvent(mqttClient, MQTTEvent{
		Topic:   "sensibo/state",
		Payload: []byte(`{"on": true, "temperatureF": 75.2, "humidity": 55.0}`),
	})
	if !masterController.stateValueMap.requireTrue("acOn") {
		t.Errorf("Expected acOn true")
	}

	masterController.ProcessEvent(mqttClient, MQTTEvent{
		Topic:   "vesync/state",
		Payload: []byte(`{"anyOn": true, "worstAirQuality": 2}`),
	})
	if !masterController.stateValueMap.requireTrue("purifierOn") {
		t.Errorf("Expected purifierOn true")
	}

	masterController.ProcessEvent(mqttClient, MQTTEvent{
		Topic:   "tapo/state",
		Payload: []byte(`{"anyOn": false}`),
	})
	if !masterController.stateValueMap.requireFalse("plugOn") {
		t.Errorf("Expected plugOn false")
	}
}

func TestGeofenceEventSetsPhoneState(t *testing.T) {
	masterController := CreateMasterController()
	masterController.Init()
	controllers := []Controller{}
	masterController.controllers = &controllers
	mqttClient := &fakeMQTTClient{}

	masterController.ProcessEvent(mqttClient, MQTTEvent{
		Topic:   "homehub/geofence",
		Payload: []byte("home"),
	})
	if !masterController.stateValueMap.requireTrue("phoneGeofenceHome") {
		t.Errorf("Expected phoneGeofenceHome true")
	}

	masterController.ProcessEvent(mqttClient, MQTTEvent{
		Topic:   "homehub/geofence",
		Payload: []byte("away"),
	})
	if !masterController.stateValueMap.requireFalse("phoneGeofenceHome") {
		t.Errorf("Expected phoneGeofenceHome false")
	}
}

func TestBayesianModelDrivesPresenceFlag(t *testing.T) {
	masterController := CreateMasterController()
	masterController.config = Config{PresenceFile: t.TempDir() + "/presence"}
	masterController.Init()
	controllers := []Controller{}
	masterController.controllers = &controllers
	mqttClient := &fakeMQTTClient{}

	presence := &PresenceController{}
	presence.Initialize(&masterController)

	masterController.ProcessEvent(mqttClient, MQTTEvent{
		Topic:   "homehub/geofence",
		Payload: []byte("home"),
	})
	if !masterController.stateValueMap.requireTrue(HomePresenceStateKey) {
		t.Errorf("Expected atHome true after a home geofence event")
	}

	masterController.ProcessEvent(mqttClient, MQTTEvent{
		Topic:   "homehub/geofence",
		Payload: []byte("away"),
	})
	if !masterController.stateValueMap.requireFalse(HomePresenceStateKey) {
		t.Errorf("Expected atHome false after an away geofence event")
	}
}

func TestPresenceHoldsWhileGeofenceEvidenceAges(t *testing.T) {
	masterController := CreateMasterController()
	masterController.config = Config{PresenceFile: t.TempDir() + "/presence"}
	masterController.Init()
	controllers := []Controller{}
	masterController.controllers = &controllers
	mqttClient := &fakeMQTTClient{}

	presence := &PresenceController{}
	presence.Initialize(&masterController)

	masterController.ProcessEvent(mqttClient, MQTTEvent{
		Topic:   "homehub/geofence",
		Payload: []byte("home"),
	})
	if !masterController.stateValueMap.requireTrue(HomePresenceStateKey) {
		t.Fatalf("Expected atHome true after a home geofence event")
	}

	// A phone sitting at home all evening publishes nothing, so the
	// observation just ages. Decayed evidence must not flip the flag.
	aged, _ := masterController.stateValueMap.getState("phoneGeofenceHome")
	aged.lastUpdate = time.Now().Add(-3 * time.Hour)
	masterController.stateValueMap.setStateValue("phoneGeofenceHome", aged)

	masterController.ProcessEvent(mqttClient, MQTTEvent{
		Topic:   "homehub/ticker/1m",
		Payload: []byte(""),
	})
	if !masterController.stateValueMap.requireTrue(HomePresenceStateKey) {
		t.Errorf("Expected atHome to stay true on decayed evidence")
	}
}

func TestPresenceMakesNoDecisionWithoutObservations(t *testing.T) {
	masterController := CreateMasterController()
	masterController.config = Config{PresenceFile: t.TempDir() + "/presence"}
	masterController.Init()
	controllers := []Controller{}
	masterController.controllers = &controllers
	mqttClient := &fakeMQTTClient{}

	presence := &PresenceController{}
	presence.Initialize(&masterController)

	// First ticker event after startup, before any geofence or vendor
	// state has arrived.
	masterController.ProcessEvent(mqttClient, MQTTEvent{
		Topic:   "homehub/ticker/1m",
		Payload: []byte(""),
	})
	if _, exists := masterController.stateValueMap.getState(HomePresenceStateKey); exists {
		t.Errorf("Expected no presence decision without any observations")
	}
	if presence.Presence() != "unknown" {
		t.Errorf("Expected presence to stay unknown, got %q", presence.Presence())
	}
}

func TestForeignTimeOfDayPayloadIgnored(t *testing.T) {
	masterController := CreateMasterController()
	masterController.Init()
	controllers := []Controller{}
	masterController.controllers = &controllers
	mqttClient := &fakeMQTTClient{}

	// The broker subscription can deliver this topic as raw bytes from
	// another publisher. It must not be mistaken for the typed payload
	// of the internal ticker.
	masterController.ProcessEvent(mqttClient, MQTTEvent{
		Topic:   "homehub/ticker/timeofday",
		Payload: []byte("2"),
	})
	if _, exists := masterController.stateValueMap.getState("nighttime"); exists {
		t.Errorf("Expected raw payloads to be ignored")
	}

	masterController.ProcessEvent(mqttClient, MQTTEvent{
		Topic:   "homehub/ticker/timeofday",
		Payload: Nighttime,
	})
	if !masterController.stateValueMap.requireTrue("nighttime") {
		t.Errorf("Expected nighttime true from the typed payload")
	}
}
