package homehub

import (
	"context"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// A BridgeWrapper adapts one vendor cloud onto the MQTT bus: it polls
// the vendor API and publishes state topics, and it subscribes to the
// vendor's command topics and turns them into vendor calls.
type BridgeWrapper interface {
	InitializeBridge(mqttClient mqtt.Client, config Config) error
	Run(ctx context.Context) error
}

func prefixedTopic(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "/" + topic
}

func initBridges(ctx context.Context, mqttClient mqtt.Client, config Config, bridgeWrappers *[]BridgeWrapper) {

	for _, bridgeWrapper := range *bridgeWrappers {
		slog.Debug("Initializing bridge", "bridgeWrapper", bridgeWrapper)
		err := bridgeWrapper.InitializeBridge(mqttClient, config)
		if err != nil {
			slog.Error("Could not initialize bridge", "error", err, "bridgeWrapper", bridgeWrapper)
			continue
		}
		slog.Debug("Starting bridge", "bridgeWrapper", bridgeWrapper)
		go func(bridgeWrapper BridgeWrapper) {
			err := bridgeWrapper.Run(ctx)
			if err != nil {
				slog.Error("Error when running bridge", "error", err, "bridgeWrapper", bridgeWrapper)
			}
		}(bridgeWrapper)
	}
}
