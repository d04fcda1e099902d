package homehub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/mux"
	"github.com/qmuntal/stateless"
)

type MetricsConfig struct {
	CollectMetrics      bool
	CollectDebugMetrics bool
	MetricsAddress      string
	MetricsRealm        string
}

type MasterController struct {
	stateValueMap    StateValueMap
	deviceStateStore *DeviceStateStore
	controllers      *[]Controller
	mqttClient       mqtt.Client
	config           Config
	mu               sync.Mutex
	pushMetrics      bool
	metricsConfig    MetricsConfig
	eventCallbacks   []func(MQTTEvent)
	bayesianModels   map[StateKey]BayesianModel
	webRouter        *mux.Router
}

func CreateMasterController() MasterController {
	return MasterController{
		stateValueMap:    NewStateValueMap(),
		deviceStateStore: NewDeviceStateStore(),
		bayesianModels:   map[StateKey]BayesianModel{},
	}
}

func (l *MasterController) Init() {
	l.registerEventCallbacks()
	if l.metricsConfig.CollectMetrics {
		slog.Info("Registering state value callback in master controller")
		l.stateValueMap.registerCallback(l.StateValueCallback)
	}
}

func (l *MasterController) StateValueCallback(key StateKey, value, new, updated bool) {
	if l.metricsConfig.CollectMetrics {
		gauge := metrics.GetOrCreateGauge(fmt.Sprintf(`statevalue{name="%s",realm="%s"}`, key, l.metricsConfig.MetricsRealm), nil)
		if value {
			gauge.Set(1)
		} else {
			gauge.Set(0)
		}
		if new || updated {
			l.pushMetrics = true
		}
	}
}

type Controller interface {
	sync.Locker

	IsInitialized() bool
	Initialize(sm *MasterController) []MQTTPublish
	ProcessEvent(ev MQTTEvent) []MQTTPublish
	DebugState() ControllerDebugState
}

func (masterController *MasterController) ProcessEvent(client mqtt.Client, ev MQTTEvent) {

	masterController.mu.Lock()
	defer masterController.mu.Unlock()

	masterController.pushMetrics = false // Reset
	masterController.executeEventCallbacks(ev)
	masterController.evaluateBayesianModels()
	masterController.deviceStateStore.UpdateFromEvent(ev)

	for _, c := range *masterController.controllers {
		controller := c
		go func() {
			// For reliability, we call each controller in its own goroutine (yes, one
			// per message), so that one controller can be stuck while others still
			// make progress.

			controller.Lock()
			defer controller.Unlock()

			var toPublish []MQTTPublish
			if !controller.IsInitialized() {
				// If initialize requires other processes to update some state to determine
				// correct init state it can be requested by events returned here
				// But the Initialize method must make sure to not request unneccessarily often
				toPublish = append(toPublish, controller.Initialize(masterController)...)
			}
			if controller.IsInitialized() {
				toPublish = append(toPublish, controller.ProcessEvent(ev)...)
			}

			for _, result := range toPublish {
				go func(toPublish MQTTPublish) {
					if toPublish.Wait != 0 {
						time.Sleep(toPublish.Wait)
					}
					if masterController.config.DryRun && isCommandTopic(toPublish.Topic) {
						slog.Info("Dry run, skipping device command",
							"topic", toPublish.Topic, "payload", toPublish.Payload)
						return
					}
					client.Publish(toPublish.Topic, toPublish.Qos, toPublish.Retained, toPublish.Payload)

					if masterController.metricsConfig.CollectDebugMetrics {
						counter := metrics.GetOrCreateCounter(fmt.Sprintf(`homehub_mqtt_published{topic="%s",realm="%s"}`,
							toPublish.Topic, masterController.metricsConfig.MetricsRealm))
						counter.Inc()
					}
				}(result)
			}
		}()
	}
	masterController.checkPushMetrics()
}

// Command topics are the ones bridges turn into vendor calls that change
// device state. Dry-run must suppress exactly these.
func isCommandTopic(topic string) bool {
	return strings.HasSuffix(topic, "/set") || strings.HasSuffix(topic, "/send")
}

func (masterController *MasterController) checkPushMetrics() {
	if masterController.metricsConfig.CollectMetrics && masterController.pushMetrics {
		ctx := context.Background()
		metrics.PushMetrics(ctx, "http://"+masterController.metricsConfig.MetricsAddress+"/api/v1/import/prometheus", false, nil)
	}
}

// Guards

func (l *MasterController) requireTrueByKey(key StateKey) func(context.Context, ...any) bool {
	return func(_ context.Context, _ ...any) bool {
		return l.stateValueMap.requireTrue(key)
	}
}

func (l *MasterController) requireFalseByKey(key StateKey) func(context.Context, ...any) bool {
	return func(_ context.Context, _ ...any) bool {
		return l.stateValueMap.requireFalse(key)
	}
}

func (l *MasterController) requireTrueSinceByKey(key StateKey, duration time.Duration) func(context.Context, ...any) bool {
	return func(_ context.Context, _ ...any) bool {
		return l.stateValueMap.requireTrueSince(key, duration)
	}
}

func (l *MasterController) guardNighttime(_ context.Context, _ ...any) bool {
	return l.stateValueMap.requireTrue("nighttime")
}

func (l *MasterController) guardDaytime(_ context.Context, _ ...any) bool {
	return l.stateValueMap.requireFalse("nighttime")
}

// Bayesian models

func (masterController *MasterController) registerBayesianModel(key StateKey, model BayesianModel) {
	masterController.bayesianModels[key] = model
}

func (masterController *MasterController) evaluateBayesianModels() {
	for key, model := range masterController.bayesianModels {
		posterior, observations := inferPosterior(model, &masterController.stateValueMap)
		if observations == 0 {
			// Nothing observed yet, e.g. right after startup. The prior
			// alone is no grounds for flipping anything.
			continue
		}
		previous, previousExists := masterController.stateValueMap.getState(key)
		decision, decided := model.decide(posterior, previous, previousExists)
		slog.Debug("Bayesian inference", "key", key, "posterior", posterior,
			"observations", observations, "decision", decision, "decided", decided)
		if decided {
			masterController.stateValueMap.setState(key, decision)
		}
	}
}

// Detections

func (l *MasterController) createProcessEventFunc(extractValueFunc func(MQTTEvent) (any, bool),
	stateValueFunc func(any) (StateKey, bool),
	metricsGaugeFunc func(any) (string, float64)) func(MQTTEvent) {

	return func(ev MQTTEvent) {
		val, _ := extractValueFunc(ev)
		if val != nil {

			if stateValueFunc != nil {
				key, b := stateValueFunc(val)
				l.stateValueMap.setState(key, b)
			}

			if metricsGaugeFunc != nil {
				key, v := metricsGaugeFunc(val)
				if l.metricsConfig.CollectMetrics {
					gauge := metrics.GetOrCreateGauge(fmt.Sprintf(`eventvalue{name="%s",realm="%s"}`, key, l.metricsConfig.MetricsRealm), nil)
					gauge.Set(v)
				}
			}
		}
	}
}

func processJSON(ev MQTTEvent, topic, eventProperty string) (any, bool) {
	if ev.Topic == topic {
		m := parseJSONPayload(ev)
		if m == nil {
			return nil, false
		}
		val, exists := m[eventProperty]
		if !exists || val == nil {
			return nil, false
		}
		return val, true
	} else {
		return nil, false
	}
}

func processString(ev MQTTEvent, topic string) (string, bool) {
	if ev.Topic == topic {
		s := string(ev.Payload.([]byte))
		return s, true
	} else {
		return "", false
	}
}

func (masterController *MasterController) registerEventCallback(callback func(MQTTEvent)) {
	masterController.eventCallbacks = append(masterController.eventCallbacks, callback)
}

func (masterController *MasterController) executeEventCallbacks(ev MQTTEvent) {
	for _, callback := range masterController.eventCallbacks {
		callback(ev)
	}
}

func (masterController *MasterController) registerEventCallbacks() {

	masterController.registerEventCallback(func(ev MQTTEvent) {
		if ev.Topic == "homehub/ticker/timeofday" {
			// The ticker loop injects this event with a typed payload, but
			// the broker subscription can deliver the same topic as raw
			// bytes from anyone else publishing on it.
			if timeOfDay, ok := ev.Payload.(TimeOfDay); ok {
				masterController.stateValueMap.setState("nighttime", timeOfDay == Nighttime)
			}
		}
	})

	// Geofence events from the webhook surface are direct presence evidence.
	masterController.registerEventCallback(func(ev MQTTEvent) {
		if s, ok := processString(ev, "homehub/geofence"); ok {
			masterController.stateValueMap.setState("phoneGeofenceHome", s == "home")
		}
	})

	// Thermostat
	masterController.registerEventCallback(masterController.createProcessEventFunc(
		func(ev MQTTEvent) (any, bool) {
			return processJSON(ev, "nest/state", "hvacStatus")
		},
		func(val any) (StateKey, bool) { return "hvacActive", val.(string) != "OFF" },
		nil,
	))
	masterController.registerEventCallback(masterController.createProcessEventFunc(
		func(ev MQTTEvent) (any, bool) {
			return processJSON(ev, "nest/state", "ambientF")
		},
		nil,
		func(val any) (string, float64) { return "thermostatAmbientF", val.(float64) },
	))
	masterController.registerEventCallback(masterController.createProcessEventFunc(
		func(ev MQTTEvent) (any, bool) {
			return processJSON(ev, "nest/state", "humidity")
		},
		nil,
		func(val any) (string, float64) { return "thermostatHumidity", val.(float64) },
	))
	masterController.registerEventCallback(masterController.createProcessEventFunc(
		func(ev MQTTEvent) (any, bool) {
			return processJSON(ev, "nest/state", "eco")
		},
		func(val any) (StateKey, bool) { return "thermostatEco", val.(bool) },
		nil,
	))

	// Mini-split AC
	masterController.registerEventCallback(masterController.createProcessEventFunc(
		func(ev MQTTEvent) (any, bool) {
			return processJSON(ev, "sensibo/state", "on")
		},
		func(val any) (StateKey, bool) { return "acOn", val.(bool) },
		nil,
	))
	masterController.registerEventCallback(masterController.createProcessEventFunc(
		func(ev MQTTEvent) (any, bool) {
			return processJSON(ev, "sensibo/state", "temperatureF")
		},
		nil,
		func(val any) (string, float64) { return "acRoomTemperatureF", val.(float64) },
	))
	masterController.registerEventCallback(masterController.createProcessEventFunc(
		func(ev MQTTEvent) (any, bool) {
			return processJSON(ev, "sensibo/state", "humidity")
		},
		nil,
		func(val any) (string, float64) { return "acRoomHumidity", val.(float64) },
	))

	// Air purifiers
	masterController.registerEventCallback(masterController.createProcessEventFunc(
		func(ev MQTTEvent) (any, bool) {
			return processJSON(ev, "vesync/state", "anyOn")
		},
		func(val any) (StateKey, bool) { return "purifierOn", val.(bool) },
		nil,
	))
	masterController.registerEventCallback(masterController.createProcessEventFunc(
		func(ev MQTTEvent) (any, bool) {
			return processJSON(ev, "vesync/state", "worstAirQuality")
		},
		nil,
		func(val any) (string, float64) { return "purifierWorstAirQuality", val.(float64) },
	))

	// Smart plugs
	masterController.registerEventCallback(masterController.createProcessEventFunc(
		func(ev MQTTEvent) (any, bool) {
			return processJSON(ev, "tapo/state", "anyOn")
		},
		func(val any) (StateKey, bool) { return "plugOn", val.(bool) },
		nil,
	))
}

func createTriggerString(trigger stateless.Trigger) string {
	var triggerStr string
	switch trigger := trigger.(type) {
	case string:
		triggerStr = trigger
	case MQTTEvent:
		triggerStr = trigger.Topic
	default:
		triggerStr = "trigger"
	}
	return triggerStr
}
