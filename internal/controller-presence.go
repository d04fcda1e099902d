package homehub

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"github.com/qmuntal/stateless"
)

type homePresenceState int

const (
	HomePresenceStateKey = StateKey("atHome")

	presenceInitial homePresenceState = iota
	presenceHome
	presenceAway
)

func (t homePresenceState) ToInt() int {
	return int(t)
}

// PresenceController maintains the two-state home/away flag. Geofence
// webhooks are the primary signal; a Bayesian model over recent
// observations corroborates them, so a flaky geofence exit while
// someone is demonstrably still home does not flip the house to away.
type PresenceController struct {
	BaseController
	markerPath string
}

func (c *PresenceController) Initialize(masterController *MasterController) []MQTTPublish {
	c.Name = "homepresence"
	c.masterController = masterController
	c.markerPath = masterController.config.PresenceFile

	atHomeModel := BayesianModel{
		Prior:     0.6,
		Threshold: 0.8,
		Likelihoods: map[StateKey]LikelihoodModel{
			"phoneGeofenceHome": {
				ProbGivenTrue:  0.95, // If home, the phone is inside the geofence nearly always
				ProbGivenFalse: 0.05, // GPS drift occasionally reports "home" from elsewhere
				HalfLife:       60 * time.Minute,
				Weight:         1.0,
			},
			"hvacActive": {
				ProbGivenTrue:  0.5, // Weak evidence either way, HVAC runs unattended too
				ProbGivenFalse: 0.35,
				HalfLife:       30 * time.Minute,
				Weight:         0.5,
				StateValueEvaluator: func(value StateValue) (bool, time.Duration) {
					return value.recentlyTrue(20 * time.Minute), 20 * time.Minute
				},
			},
		},
	}
	masterController.registerBayesianModel(HomePresenceStateKey, atHomeModel)

	initialState := presenceInitial
	if presence, exists := LoadPresence(c.markerPath); exists {
		if presence == "home" {
			initialState = presenceHome
		} else {
			initialState = presenceAway
		}
		slog.Info("Restored presence from marker file", "presence", presence)
	}

	c.stateMachine = stateless.NewStateMachine(initialState)
	c.stateMachine.SetTriggerParameters("mqttEvent", reflect.TypeOf(MQTTEvent{}))

	c.stateMachine.Configure(presenceInitial).
		Permit("mqttEvent", presenceHome, c.masterController.requireTrueByKey(HomePresenceStateKey)).
		Permit("mqttEvent", presenceAway, c.masterController.requireFalseByKey(HomePresenceStateKey))

	c.stateMachine.Configure(presenceHome).
		OnEntry(c.arriveHome).
		Permit("mqttEvent", presenceAway, c.masterController.requireFalseByKey(HomePresenceStateKey))

	c.stateMachine.Configure(presenceAway).
		OnEntry(c.leaveHome).
		Permit("mqttEvent", presenceHome, c.masterController.requireTrueByKey(HomePresenceStateKey))

	c.SetInitialized()
	return nil
}

func (c *PresenceController) arriveHome(_ context.Context, _ ...any) error {
	slog.Info("Presence change", "presence", "home")
	if err := SavePresence(c.markerPath, "home"); err != nil {
		slog.Error("Could not save presence marker", "path", c.markerPath, "error", err)
	}
	c.addEventsToPublish([]MQTTPublish{runTransitionOutput("home")})
	return nil
}

func (c *PresenceController) leaveHome(_ context.Context, _ ...any) error {
	slog.Info("Presence change", "presence", "away")
	if err := SavePresence(c.markerPath, "away"); err != nil {
		slog.Error("Could not save presence marker", "path", c.markerPath, "error", err)
	}
	c.addEventsToPublish([]MQTTPublish{runTransitionOutput("away")})
	return nil
}

// Presence returns the current flag as "home", "away" or "unknown".
func (c *PresenceController) Presence() string {
	switch c.stateMachine.MustState() {
	case presenceHome:
		return "home"
	case presenceAway:
		return "away"
	default:
		return "unknown"
	}
}
