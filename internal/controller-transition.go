package homehub

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"log/slog"

	"github.com/qmuntal/stateless"
)

type transitionState int

const (
	transitionStateIdle transitionState = iota
	transitionStateSettling
)

func (t transitionState) ToInt() int {
	return int(t)
}

// A transition is a named bundle of device setpoints applied as one
// unit: wake, sleep, away, home. Each is expressed as publishes to the
// bridge command topics, staggered where a vendor needs it.
type Transition struct {
	Name     string
	Commands []MQTTPublish
}

func wakeTransition() Transition {
	return Transition{
		Name: "wake",
		Commands: []MQTTPublish{
			{Topic: "nest/eco/set", Payload: "false", Qos: 2},
			{Topic: "nest/setpoint/set", Payload: `{"heatF": 70}`, Qos: 2, Wait: 2 * time.Second},
			{Topic: "vesync/mode/set", Payload: "auto", Qos: 2},
			{Topic: "tapo/power/set", Payload: "ON", Qos: 2},
		},
	}
}

func sleepTransition() Transition {
	return Transition{
		Name: "sleep",
		Commands: []MQTTPublish{
			{Topic: "nest/setpoint/set", Payload: `{"heatF": 64}`, Qos: 2},
			{Topic: "sensibo/power/set", Payload: "OFF", Qos: 2},
			{Topic: "vesync/mode/set", Payload: "sleep", Qos: 2},
			{Topic: "tapo/power/set", Payload: "OFF", Qos: 2, Wait: 5 * time.Second},
		},
	}
}

func awayTransition() Transition {
	return Transition{
		Name: "away",
		Commands: []MQTTPublish{
			{Topic: "nest/eco/set", Payload: "true", Qos: 2},
			{Topic: "sensibo/power/set", Payload: "OFF", Qos: 2},
			{Topic: "vesync/power/set", Payload: "OFF", Qos: 2},
			{Topic: "tapo/power/set", Payload: "OFF", Qos: 2},
		},
	}
}

func homeTransition() Transition {
	return Transition{
		Name: "home",
		Commands: []MQTTPublish{
			{Topic: "nest/eco/set", Payload: "false", Qos: 2},
			{Topic: "vesync/mode/set", Payload: "auto", Qos: 2},
			{Topic: "tapo/power/set", Payload: "ON", Qos: 2},
		},
	}
}

func transitionByName(name string) (Transition, bool) {
	switch name {
	case "wake":
		return wakeTransition(), true
	case "sleep":
		return sleepTransition(), true
	case "away":
		return awayTransition(), true
	case "home":
		return homeTransition(), true
	default:
		return Transition{}, false
	}
}

// TransitionController applies transitions requested on
// homehub/transition/run and reports each run as a single aggregated
// notification: bridge errors seen while the transition settles are
// collected into it, the way the original per-call error lists were.
type TransitionController struct {
	BaseController
	SettleTime time.Duration

	activeTransition string
	startedAt        time.Time
	commandCount     int
	errors           []string
}

func (c *TransitionController) Initialize(masterController *MasterController) []MQTTPublish {
	c.Name = "transition"
	c.masterController = masterController
	if c.SettleTime == 0 {
		c.SettleTime = 30 * time.Second
	}

	c.stateMachine = stateless.NewStateMachine(transitionStateIdle)
	c.stateMachine.SetTriggerParameters("mqttEvent", reflect.TypeOf(MQTTEvent{}))
	c.stateMachine.SetTriggerParameters("run", reflect.TypeOf(""))

	c.stateMachine.Configure(transitionStateIdle).
		Ignore("mqttEvent").
		Ignore("settle").
		Permit("run", transitionStateSettling)

	c.stateMachine.Configure(transitionStateSettling).
		OnEntry(c.applyTransition).
		OnExit(c.reportTransition).
		Ignore("mqttEvent").
		PermitReentry("run").
		Permit("settle", transitionStateIdle)

	c.eventHandlers = append(c.eventHandlers, c.handleTransitionEvents)

	c.SetInitialized()
	return nil
}

func (c *TransitionController) handleTransitionEvents(ev MQTTEvent) []MQTTPublish {
	switch ev.Topic {
	case "homehub/transition/run":
		name := string(ev.Payload.([]byte))
		if _, exists := transitionByName(name); !exists {
			slog.Error("Unknown transition requested", "name", name)
			return nil
		}
		c.StateMachineFire("run", name)
	case "homehub/bridge/error":
		if c.stateMachine.MustState() == transitionStateSettling {
			c.errors = append(c.errors, string(ev.Payload.([]byte)))
		}
	}
	return nil
}

func (c *TransitionController) applyTransition(_ context.Context, args ...any) error {
	name, ok := args[0].(string)
	if !ok {
		return fmt.Errorf("transition trigger carries no name")
	}
	transition, exists := transitionByName(name)
	if !exists {
		return fmt.Errorf("unknown transition %q", name)
	}

	slog.Info("Applying transition", "name", name, "commands", len(transition.Commands))
	c.activeTransition = name
	c.startedAt = time.Now()
	c.commandCount = len(transition.Commands)
	c.errors = nil
	c.addEventsToPublish(transition.Commands)

	time.AfterFunc(c.SettleTime, func() {
		c.Lock()
		defer c.Unlock()
		c.StateMachineFire("settle")
	})
	return nil
}

func (c *TransitionController) reportTransition(_ context.Context, _ ...any) error {
	message := transitionReport(c.activeTransition, c.commandCount, c.errors)
	slog.Info("Transition settled", "name", c.activeTransition,
		"errors", len(c.errors), "elapsed", time.Since(c.startedAt))

	c.addEventsToPublish([]MQTTPublish{
		{
			Topic:   "homehub/notify",
			Payload: message,
			Qos:     1,
		},
	})
	return nil
}

func transitionReport(name string, commandCount int, errors []string) string {
	if len(errors) == 0 {
		return fmt.Sprintf("Transition %q applied, %d device commands, no errors", name, commandCount)
	}
	return fmt.Sprintf("Transition %q applied, %d device commands, %d errors:\n%s",
		name, commandCount, len(errors), strings.Join(errors, "\n"))
}
