package homehub

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
)

func ParseConfig() Config {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	mqttBroker := flag.String("mqttBroker", "tcp://localhost:1883", "MQTT broker URL")
	mqttTopicPrefix := flag.String("mqttTopicPrefix", "", "MQTT topic prefix")
	mqttUserName := flag.String("mqttUserName", "", "MQTT username")
	mqttPasswordFile := flag.String("mqttPasswordFile", "", "MQTT password file")
	httpListenAddress := flag.String("httpListenAddress", ":8080", "HTTP listen address")
	metricsAddress := flag.String("metricsAddress", "", "Metrics server address:port")
	metricsRealm := flag.String("metricsRealm", "homehub", "Metrics realm label")
	collectMetrics := flag.Bool("collectMetrics", false, "Collect and push metrics")
	collectDebugMetrics := flag.Bool("collectDebugMetrics", false, "Collect and push debug metrics")

	latitude := flag.Float64("latitude", 45.0, "Home latitude, for sunrise and sunset")
	longitude := flag.Float64("longitude", -93.0, "Home longitude, for sunrise and sunset")
	wakeTime := flag.String("wakeTime", "06:30", "Scheduled wake transition, HH:MM local time")
	sleepTime := flag.String("sleepTime", "22:30", "Scheduled sleep transition, HH:MM local time")
	scheduleStateFile := flag.String("scheduleStateFile", "schedule-state.json", "Scheduler ran-today state file")
	presenceFile := flag.String("presenceFile", "presence", "Presence marker file")
	sensorLogFile := flag.String("sensorLogFile", "sensors.csv", "Sensor reading CSV log")

	nestProjectID := flag.String("nestProjectID", "", "Nest SDM project id")
	nestDeviceID := flag.String("nestDeviceID", "", "Nest SDM device id")
	nestClientID := flag.String("nestClientID", "", "Nest OAuth client id")
	nestClientSecretFile := flag.String("nestClientSecretFile", "", "Nest OAuth client secret file")
	nestRefreshTokenFile := flag.String("nestRefreshTokenFile", "", "Nest OAuth refresh token file")

	sensiboAPIKeyFile := flag.String("sensiboAPIKeyFile", "", "Sensibo API key file")
	sensiboPodID := flag.String("sensiboPodID", "", "Sensibo pod id")

	vesyncAccountFile := flag.String("vesyncAccountFile", "", "VeSync account file, email:password")

	tapoAddresses := flag.String("tapoAddresses", "", "Comma separated name=ip pairs for Tapo plugs")
	tapoUsername := flag.String("tapoUsername", "", "Tapo account username")
	tapoPasswordFile := flag.String("tapoPasswordFile", "", "Tapo account password file")

	mailgunDomain := flag.String("mailgunDomain", "", "Mailgun domain for notifications")
	mailgunAPIKeyFile := flag.String("mailgunAPIKeyFile", "", "Mailgun API key file")
	mailgunSender := flag.String("mailgunSender", "", "Mailgun sender address")
	mailgunRecipient := flag.String("mailgunRecipient", "", "Mailgun recipient address")

	help := flag.Bool("help", false, "Print help")
	debug := flag.Bool("debug", false, "Debug logging")
	dryRun := flag.Bool("dry_run", false, "Dry run (log device commands instead of sending)")
	flag.Parse()

	if *help {
		printHelp()
		os.Exit(0)
	}

	if *debug {
		var programLevel = new(slog.LevelVar)
		programLevel.Set(slog.LevelDebug)
		handler := slog.NewTextHandler(os.Stderr,
			&slog.HandlerOptions{Level: programLevel})
		slog.SetDefault(slog.New(handler))
	}

	config := Config{
		CollectMetrics:       *collectMetrics,
		CollectDebugMetrics:  *collectDebugMetrics,
		DryRun:               *dryRun,
		Latitude:             *latitude,
		Longitude:            *longitude,
		MailgunAPIKeyFile:    *mailgunAPIKeyFile,
		MailgunDomain:        *mailgunDomain,
		MailgunRecipient:     *mailgunRecipient,
		MailgunSender:        *mailgunSender,
		MetricsAddress:       *metricsAddress,
		MetricsRealm:         *metricsRealm,
		MQTTBroker:           *mqttBroker,
		MQTTPasswordFile:     *mqttPasswordFile,
		MQTTTopicPrefix:      *mqttTopicPrefix,
		MQTTUserName:         *mqttUserName,
		NestClientID:         *nestClientID,
		NestClientSecretFile: *nestClientSecretFile,
		NestDeviceID:         *nestDeviceID,
		NestProjectID:        *nestProjectID,
		NestRefreshTokenFile: *nestRefreshTokenFile,
		PresenceFile:         *presenceFile,
		ScheduleStateFile:    *scheduleStateFile,
		SensorLogFile:        *sensorLogFile,
		SensiboAPIKeyFile:    *sensiboAPIKeyFile,
		SensiboPodID:         *sensiboPodID,
		SleepTime:            *sleepTime,
		TapoAddresses:        *tapoAddresses,
		TapoPasswordFile:     *tapoPasswordFile,
		TapoUsername:         *tapoUsername,
		VeSyncAccountFile:    *vesyncAccountFile,
		WakeTime:             *wakeTime,
		WebAddress:           *httpListenAddress,
	}
	return config
}

func printHelp() {
	fmt.Println("Usage: homehub [OPTIONS]")
	fmt.Println("Options:")
	flag.PrintDefaults()
}

func StartHub(config Config, bridgeWrappers *[]BridgeWrapper, controllers *[]Controller) {

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Initializing homehub", "config", config)
		err := runHub(ctx, config, bridgeWrappers, controllers)
		if err != nil {
			slog.Error("Error initializing homehub", "error", err)
		}
	}()

	slog.Info("Starting homehub")
	<-c
	cancel()
	wg.Wait()
	slog.Info("Shut down homehub")
}
