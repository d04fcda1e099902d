package homehub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/qmuntal/stateless"
)

type webState int

const (
	initialWebState webState = iota
)

func (t webState) ToInt() int {
	return int(t)
}

// WebController is the HTTP surface: webhook routes hit by iOS
// Shortcuts and geofencing, read-only status APIs served from the
// device state cache, and a websocket pushing state snapshots.
type WebController struct {
	BaseController
	upgrader websocket.Upgrader
}

func (l *WebController) Initialize(masterController *MasterController) []MQTTPublish {
	l.Name = "web"
	l.masterController = masterController

	// Dummy state machine, the base controller assumes one.
	l.stateMachine = stateless.NewStateMachine(initialWebState)
	l.stateMachine.SetTriggerParameters("mqttEvent", reflect.TypeOf(MQTTEvent{}))
	l.stateMachine.Configure(initialWebState).Ignore("mqttEvent")

	slog.Info("Setting up HTTP handlers")
	router := l.setupRoutes()
	masterController.webRouter = router
	slog.Info("Finished setting up HTTP handlers")

	go func() {
		address := masterController.config.WebAddress
		slog.Info("Initializing HTTP server", "address", address)

		err := http.ListenAndServe(address, handlers.LoggingHandler(os.Stdout, router))
		if err != nil {
			slog.Error("Error initializing HTTP server",
				"listenAddr", address, "error", err)
			os.Exit(1)
		}
	}()

	l.SetInitialized()
	return nil
}

func (l *WebController) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/leaving-home", l.webhook("away transition", func() {
		l.publish("homehub/geofence", "away")
	})).Methods(http.MethodPost)
	router.HandleFunc("/im-home", l.webhook("home transition", func() {
		l.publish("homehub/geofence", "home")
	})).Methods(http.MethodPost)
	router.HandleFunc("/goodnight", l.webhook("sleep transition", func() {
		l.publish("homehub/transition/run", "sleep")
	})).Methods(http.MethodPost)
	router.HandleFunc("/good-morning", l.webhook("wake transition", func() {
		l.publish("homehub/geofence", "home")
		l.publish("homehub/transition/run", "wake")
	})).Methods(http.MethodPost)

	router.HandleFunc("/api/thermostat/status", l.statusHandler(func() DeviceStatus {
		return l.masterController.deviceStateStore.NestStatus()
	})).Methods(http.MethodGet)
	router.HandleFunc("/api/ac/status", l.statusHandler(func() DeviceStatus {
		return l.masterController.deviceStateStore.SensiboStatus()
	})).Methods(http.MethodGet)
	router.HandleFunc("/api/purifier/status", l.statusHandler(func() DeviceStatus {
		return l.masterController.deviceStateStore.VeSyncStatus()
	})).Methods(http.MethodGet)
	router.HandleFunc("/api/plug/status", l.statusHandler(func() DeviceStatus {
		return l.masterController.deviceStateStore.TapoStatus()
	})).Methods(http.MethodGet)
	router.HandleFunc("/api/presence", l.presenceHandler).Methods(http.MethodGet)

	router.HandleFunc("/ws", l.stateWs)

	return router
}

func (l *WebController) ProcessEvent(_ MQTTEvent) []MQTTPublish {
	return nil
}

func (l *WebController) publish(topic, payload string) {
	l.masterController.mqttClient.Publish(topic, 2, false, payload)
}

// webhook wraps a trigger action into a handler that tags the request
// with an id and answers 202, the caller is a phone automation that
// only cares that the hub took the request.
func (l *WebController) webhook(action string, trigger func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		slog.Info("Webhook request", "action", action, "requestId", requestID,
			"remoteAddr", r.RemoteAddr)

		trigger()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"requestId": requestID,
			"accepted":  action,
		})
	}
}

func (l *WebController) statusHandler(status func() DeviceStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			slog.Error("Could not encode device status", "error", err)
		}
	}
}

func (l *WebController) presenceHandler(w http.ResponseWriter, r *http.Request) {
	presence := "unknown"
	if stateValue, exists := l.masterController.stateValueMap.getState(HomePresenceStateKey); exists {
		if stateValue.value {
			presence = "home"
		} else {
			presence = "away"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"presence": presence})
}

func (l *WebController) stateWs(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Could not upgrade websocket", "error", err)
		return
	}
	defer conn.Close()

	store := l.masterController.deviceStateStore
	updates := store.Subscribe()
	defer store.Unsubscribe(updates)
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	writeSnapshot := func() error {
		return conn.WriteJSON(store.DebugSnapshot())
	}
	if err := writeSnapshot(); err != nil {
		return
	}
	for {
		select {
		case <-updates:
			if err := writeSnapshot(); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := writeSnapshot(); err != nil {
				return
			}
		}
	}
}
