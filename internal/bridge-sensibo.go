package homehub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const sensiboAPIBase = "https://home.sensibo.com/api/v2"

// SensiboClient wraps the Sensibo cloud API for one mini-split pod.
type SensiboClient struct {
	httpClient *http.Client
	apiBase    string
	apiKey     string
	podID      string
}

func NewSensiboClient(apiKey, podID string) *SensiboClient {
	return &SensiboClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		apiBase:    sensiboAPIBase,
		apiKey:     apiKey,
		podID:      podID,
	}
}

// AcState is the full device target state the Sensibo API works in.
type AcState struct {
	On                bool   `json:"on"`
	Mode              string `json:"mode"`
	TargetTemperature int    `json:"targetTemperature"`
	TemperatureUnit   string `json:"temperatureUnit"`
	FanLevel          string `json:"fanLevel"`
}

type SensiboState struct {
	Timestamp    string  `json:"timestamp"`
	On           bool    `json:"on"`
	Mode         string  `json:"mode"`
	TargetF      float64 `json:"targetF"`
	FanLevel     string  `json:"fanLevel"`
	TemperatureF float64 `json:"temperatureF"`
	Humidity     float64 `json:"humidity"`
}

func (c *SensiboClient) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	separator := "?"
	if bytes.ContainsRune([]byte(path), '?') {
		separator = "&"
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path+separator+"apiKey="+c.apiKey, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("sensibo request %s %s failed: %d: %s", method, path, resp.StatusCode, data)
	}
	return data, nil
}

func (c *SensiboClient) GetState(ctx context.Context) (SensiboState, error) {
	data, err := c.doRequest(ctx, http.MethodGet,
		"/pods/"+c.podID+"?fields=acState,measurements", nil)
	if err != nil {
		return SensiboState{}, err
	}

	var response struct {
		Result struct {
			AcState      AcState `json:"acState"`
			Measurements struct {
				Temperature float64 `json:"temperature"`
				Humidity    float64 `json:"humidity"`
			} `json:"measurements"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return SensiboState{}, err
	}

	acState := response.Result.AcState
	targetF := float64(acState.TargetTemperature)
	if acState.TemperatureUnit == "C" {
		targetF = CelsiusToFahrenheit(float64(acState.TargetTemperature))
	}
	return SensiboState{
		Timestamp:    time.Now().Format(time.RFC3339),
		On:           acState.On,
		Mode:         acState.Mode,
		TargetF:      targetF,
		FanLevel:     acState.FanLevel,
		TemperatureF: CelsiusToFahrenheit(response.Result.Measurements.Temperature),
		Humidity:     response.Result.Measurements.Humidity,
	}, nil
}

// SensiboPod identifies one device on the account.
type SensiboPod struct {
	ID       string `json:"id"`
	RoomName string `json:"roomName"`
}

func (c *SensiboClient) ListPods(ctx context.Context) ([]SensiboPod, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/users/me/pods?fields=id,room", nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Result []struct {
			ID   string `json:"id"`
			Room struct {
				Name string `json:"name"`
			} `json:"room"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, err
	}

	pods := make([]SensiboPod, 0, len(response.Result))
	for _, pod := range response.Result {
		pods = append(pods, SensiboPod{ID: pod.ID, RoomName: pod.Room.Name})
	}
	return pods, nil
}

func (c *SensiboClient) SetAcState(ctx context.Context, acState AcState) error {
	body, err := json.Marshal(map[string]any{"acState": acState})
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPost, "/pods/"+c.podID+"/acStates", body)
	return err
}

// SetAcStateProperty patches a single acState property, e.g. "on" or
// "targetTemperature", leaving the rest untouched.
func (c *SensiboClient) SetAcStateProperty(ctx context.Context, property string, value any) error {
	body, err := json.Marshal(map[string]any{"newValue": value})
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPatch,
		"/pods/"+c.podID+"/acStates/"+property, body)
	return err
}

// Bridge

type SensiboBridgeWrapper struct {
	client       *SensiboClient
	mqttClient   mqtt.Client
	topicPrefix  string
	pollInterval time.Duration
}

func (l *SensiboBridgeWrapper) String() string {
	return "SensiboBridgeWrapper"
}

func (l *SensiboBridgeWrapper) InitializeBridge(mqttClient mqtt.Client, config Config) error {
	apiKey, err := fileToString(config.SensiboAPIKeyFile)
	if err != nil {
		slog.Error("Error reading Sensibo API key",
			"sensiboAPIKeyFile", config.SensiboAPIKeyFile, "error", err)
		return err
	}

	l.client = NewSensiboClient(apiKey, config.SensiboPodID)
	l.mqttClient = mqttClient
	l.topicPrefix = config.MQTTTopicPrefix
	l.pollInterval = 2 * time.Minute
	return nil
}

// discoverPod resolves the pod to drive when none is configured: a
// single-pod account just works without knowing its id.
func (l *SensiboBridgeWrapper) discoverPod(ctx context.Context) error {
	if l.client.podID != "" {
		return nil
	}
	pods, err := l.client.ListPods(ctx)
	if err != nil {
		return err
	}
	if len(pods) == 0 {
		return fmt.Errorf("no pods on the sensibo account")
	}
	l.client.podID = pods[0].ID
	slog.Info("Discovered Sensibo pod", "podID", pods[0].ID, "room", pods[0].RoomName)
	return nil
}

func (l *SensiboBridgeWrapper) Run(ctx context.Context) error {
	if err := l.discoverPod(ctx); err != nil {
		return err
	}

	l.mqttClient.Subscribe(prefixedTopic(l.topicPrefix, "sensibo/acstate/set"), 1,
		func(_ mqtt.Client, m mqtt.Message) {
			var acState AcState
			if err := json.Unmarshal(m.Payload(), &acState); err != nil {
				slog.Error("Could not parse payload", "topic", "sensibo/acstate/set", "error", err)
				return
			}
			if err := l.client.SetAcState(ctx, acState); err != nil {
				l.reportError("set AC state", err)
			} else {
				l.publishState(ctx)
			}
		})
	l.mqttClient.Subscribe(prefixedTopic(l.topicPrefix, "sensibo/power/set"), 1,
		func(_ mqtt.Client, m mqtt.Message) {
			on := string(m.Payload()) == "ON"
			if err := l.client.SetAcStateProperty(ctx, "on", on); err != nil {
				l.reportError("set AC power", err)
			} else {
				l.publishState(ctx)
			}
		})

	l.publishState(ctx)
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.publishState(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *SensiboBridgeWrapper) publishState(ctx context.Context) {
	state, err := l.client.GetState(ctx)
	if err != nil {
		l.reportError("read AC state", err)
		return
	}
	payload, err := json.Marshal(state)
	if err != nil {
		slog.Error("Could not marshal sensibo state", "error", err)
		return
	}
	l.mqttClient.Publish(prefixedTopic(l.topicPrefix, "sensibo/state"), 1, true, payload)
}

func (l *SensiboBridgeWrapper) reportError(action string, err error) {
	slog.Error("Sensibo bridge error", "action", action, "error", err)
	l.mqttClient.Publish(prefixedTopic(l.topicPrefix, "homehub/bridge/error"), 1, false,
		fmt.Sprintf("ac: could not %s: %v", action, err))
}
