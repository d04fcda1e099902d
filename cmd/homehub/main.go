package main

import (
	internal "github.com/cyneta/homehub/internal"
)

func main() {

	config := internal.ParseConfig()

	bridgeWrappers := &[]internal.BridgeWrapper{
		&internal.NestBridgeWrapper{},
		&internal.SensiboBridgeWrapper{},
		&internal.VeSyncBridgeWrapper{},
		&internal.TapoBridgeWrapper{},
	}

	controllers := &[]internal.Controller{
		&internal.WebController{},
		&internal.TransitionController{},
		&internal.SchedulerController{},
		&internal.PresenceController{},
		&internal.SensorLogController{},
		&internal.NotifyController{},
		&internal.DebugController{},
	}

	internal.StartHub(config, bridgeWrappers, controllers)
}
