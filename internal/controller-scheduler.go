package homehub

import (
	"log/slog"
	"reflect"
	"time"

	"github.com/qmuntal/stateless"
)

type schedulerState int

const (
	schedulerStateRunning schedulerState = iota
)

func (t schedulerState) ToInt() int {
	return int(t)
}

// SchedulerController fires the wake and sleep transitions at the
// configured wall-clock times, at most once per calendar day each. The
// ran-today bookkeeping survives restarts in a small JSON state file.
type SchedulerController struct {
	BaseController

	wakeHour    int
	wakeMinute  int
	sleepHour   int
	sleepMinute int
	statePath   string
	state       ScheduleState

	// now is swappable for tests.
	now func() time.Time
}

func (c *SchedulerController) Initialize(masterController *MasterController) []MQTTPublish {
	c.Name = "scheduler"
	c.masterController = masterController
	if c.now == nil {
		c.now = time.Now
	}

	var err error
	c.wakeHour, c.wakeMinute, err = ParseClock(masterController.config.WakeTime)
	if err != nil {
		slog.Error("Invalid wake time, scheduler disabled",
			"wakeTime", masterController.config.WakeTime, "error", err)
		return nil
	}
	c.sleepHour, c.sleepMinute, err = ParseClock(masterController.config.SleepTime)
	if err != nil {
		slog.Error("Invalid sleep time, scheduler disabled",
			"sleepTime", masterController.config.SleepTime, "error", err)
		return nil
	}

	c.statePath = masterController.config.ScheduleStateFile
	c.state = LoadScheduleState(c.statePath)
	slog.Info("Loaded schedule state", "state", c.state,
		"wakeTime", masterController.config.WakeTime,
		"sleepTime", masterController.config.SleepTime)

	// The scheduler has no modal behavior of its own, the state machine
	// exists because the base controller expects one.
	c.stateMachine = stateless.NewStateMachine(schedulerStateRunning)
	c.stateMachine.SetTriggerParameters("mqttEvent", reflect.TypeOf(MQTTEvent{}))
	c.stateMachine.Configure(schedulerStateRunning).Ignore("mqttEvent")

	c.eventHandlers = append(c.eventHandlers, c.handleTick)

	c.SetInitialized()
	return nil
}

func (c *SchedulerController) handleTick(ev MQTTEvent) []MQTTPublish {
	if ev.Topic != "homehub/ticker/1m" {
		return nil
	}
	return c.checkSchedule(c.now())
}

func (c *SchedulerController) checkSchedule(now time.Time) []MQTTPublish {
	today := dateString(now)

	if c.due(now, c.wakeHour, c.wakeMinute) && c.state.LastWakeDate != today {
		if c.masterController.stateValueMap.requireFalse(HomePresenceStateKey) {
			// Nobody home, skip the wake transition but mark it done so
			// it does not fire on return.
			slog.Info("Skipping scheduled wake, away", "date", today)
			c.state.LastWakeDate = today
			c.saveState()
			return nil
		}
		slog.Info("Scheduled wake transition", "date", today)
		c.state.LastWakeDate = today
		c.saveState()
		return []MQTTPublish{runTransitionOutput("wake")}
	}

	if c.due(now, c.sleepHour, c.sleepMinute) && c.state.LastSleepDate != today {
		slog.Info("Scheduled sleep transition", "date", today)
		c.state.LastSleepDate = today
		c.saveState()
		return []MQTTPublish{runTransitionOutput("sleep")}
	}

	return nil
}

// scheduleWindow bounds how long after its configured time a missed
// transition may still fire. A hub restarted shortly after wake time
// catches up, one restarted at night does not wake the house.
const scheduleWindow = 3 * time.Hour

// due reports whether the clock is at or past hour:minute today, but
// not past it by more than the window. A missed tick, or a hub started
// mid-morning, still runs the transition once.
func (c *SchedulerController) due(now time.Time, hour, minute int) bool {
	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	return !now.Before(target) && now.Sub(target) < scheduleWindow
}

func (c *SchedulerController) saveState() {
	if err := c.state.Save(c.statePath); err != nil {
		slog.Error("Could not save schedule state", "path", c.statePath, "error", err)
	}
}

func runTransitionOutput(name string) MQTTPublish {
	return MQTTPublish{
		Topic:   "homehub/transition/run",
		Payload: name,
		Qos:     2,
	}
}
