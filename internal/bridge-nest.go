package homehub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	nestTokenURL = "https://www.googleapis.com/oauth2/v4/token"
	nestAPIBase  = "https://smartdevicemanagement.googleapis.com/v1"
)

// NestClient talks to the Google Smart Device Management API for a
// single thermostat. Access tokens are cached and renewed from the
// refresh token when expired or when a request comes back 401.
type NestClient struct {
	httpClient   *http.Client
	tokenURL     string
	apiBase      string
	clientID     string
	clientSecret string
	refreshToken string
	projectID    string
	deviceID     string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewNestClient(clientID, clientSecret, refreshToken, projectID, deviceID string) *NestClient {
	return &NestClient{
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		tokenURL:     nestTokenURL,
		apiBase:      nestAPIBase,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		projectID:    projectID,
		deviceID:     deviceID,
	}
}

type NestState struct {
	Timestamp     string  `json:"timestamp"`
	AmbientC      float64 `json:"ambientC"`
	AmbientF      float64 `json:"ambientF"`
	Humidity      float64 `json:"humidity"`
	Mode          string  `json:"mode"`
	Eco           bool    `json:"eco"`
	HvacStatus    string  `json:"hvacStatus"`
	HeatSetpointF float64 `json:"heatSetpointF"`
	CoolSetpointF float64 `json:"coolSetpointF"`
}

func (c *NestClient) refreshAccessToken(ctx context.Context) error {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("refresh_token", c.refreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		bytes.NewBufferString(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("nest token refresh failed: %s: %s", resp.Status, body)
	}

	var tokenResponse struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResponse); err != nil {
		return err
	}

	c.accessToken = tokenResponse.AccessToken
	// Renew a minute early rather than racing the expiry.
	c.tokenExpiry = time.Now().Add(time.Duration(tokenResponse.ExpiresIn-60) * time.Second)
	slog.Debug("Refreshed Nest access token", "expiry", c.tokenExpiry)
	return nil
}

func (c *NestClient) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken == "" || time.Now().After(c.tokenExpiry) {
		if err := c.refreshAccessToken(ctx); err != nil {
			return nil, err
		}
	}

	data, status, err := c.send(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		// Token was revoked or expired server side. Refresh once, retry once.
		if err := c.refreshAccessToken(ctx); err != nil {
			return nil, err
		}
		data, status, err = c.send(ctx, method, path, body)
		if err != nil {
			return nil, err
		}
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("nest request %s %s failed: %d: %s", method, path, status, data)
	}
	return data, nil
}

func (c *NestClient) send(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return data, resp.StatusCode, nil
}

func (c *NestClient) devicePath() string {
	return "/enterprises/" + c.projectID + "/devices/" + c.deviceID
}

func (c *NestClient) GetState(ctx context.Context) (NestState, error) {
	data, err := c.doRequest(ctx, http.MethodGet, c.devicePath(), nil)
	if err != nil {
		return NestState{}, err
	}

	var device struct {
		Traits map[string]json.RawMessage `json:"traits"`
	}
	if err := json.Unmarshal(data, &device); err != nil {
		return NestState{}, err
	}

	state := NestState{Timestamp: time.Now().Format(time.RFC3339)}

	var temperature struct {
		AmbientTemperatureCelsius float64 `json:"ambientTemperatureCelsius"`
	}
	if err := unmarshalTrait(device.Traits, "sdm.devices.traits.Temperature", &temperature); err == nil {
		state.AmbientC = temperature.AmbientTemperatureCelsius
		state.AmbientF = CelsiusToFahrenheit(temperature.AmbientTemperatureCelsius)
	}

	var humidity struct {
		AmbientHumidityPercent float64 `json:"ambientHumidityPercent"`
	}
	if err := unmarshalTrait(device.Traits, "sdm.devices.traits.Humidity", &humidity); err == nil {
		state.Humidity = humidity.AmbientHumidityPercent
	}

	var mode struct {
		Mode string `json:"mode"`
	}
	if err := unmarshalTrait(device.Traits, "sdm.devices.traits.ThermostatMode", &mode); err == nil {
		state.Mode = mode.Mode
	}

	var eco struct {
		Mode string `json:"mode"`
	}
	if err := unmarshalTrait(device.Traits, "sdm.devices.traits.ThermostatEco", &eco); err == nil {
		state.Eco = eco.Mode == "MANUAL_ECO"
	}

	var hvac struct {
		Status string `json:"status"`
	}
	if err := unmarshalTrait(device.Traits, "sdm.devices.traits.ThermostatHvac", &hvac); err == nil {
		state.HvacStatus = hvac.Status
	}

	var setpoint struct {
		HeatCelsius float64 `json:"heatCelsius"`
		CoolCelsius float64 `json:"coolCelsius"`
	}
	if err := unmarshalTrait(device.Traits, "sdm.devices.traits.ThermostatTemperatureSetpoint", &setpoint); err == nil {
		if setpoint.HeatCelsius != 0 {
			state.HeatSetpointF = CelsiusToFahrenheit(setpoint.HeatCelsius)
		}
		if setpoint.CoolCelsius != 0 {
			state.CoolSetpointF = CelsiusToFahrenheit(setpoint.CoolCelsius)
		}
	}

	return state, nil
}

func unmarshalTrait(traits map[string]json.RawMessage, name string, v any) error {
	raw, exists := traits[name]
	if !exists {
		return fmt.Errorf("trait %s not reported", name)
	}
	return json.Unmarshal(raw, v)
}

func (c *NestClient) executeCommand(ctx context.Context, command string, params map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"command": command,
		"params":  params,
	})
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPost, c.devicePath()+":executeCommand", body)
	return err
}

// SetMode sets the thermostat mode: HEAT, COOL, HEATCOOL or OFF.
func (c *NestClient) SetMode(ctx context.Context, mode string) error {
	return c.executeCommand(ctx, "sdm.devices.commands.ThermostatMode.SetMode",
		map[string]any{"mode": mode})
}

func (c *NestClient) SetEco(ctx context.Context, eco bool) error {
	mode := "OFF"
	if eco {
		mode = "MANUAL_ECO"
	}
	return c.executeCommand(ctx, "sdm.devices.commands.ThermostatEco.SetMode",
		map[string]any{"mode": mode})
}

func (c *NestClient) SetHeatF(ctx context.Context, fahrenheit float64) error {
	return c.executeCommand(ctx, "sdm.devices.commands.ThermostatTemperatureSetpoint.SetHeat",
		map[string]any{"heatCelsius": RoundToHalf(FahrenheitToCelsius(fahrenheit))})
}

func (c *NestClient) SetCoolF(ctx context.Context, fahrenheit float64) error {
	return c.executeCommand(ctx, "sdm.devices.commands.ThermostatTemperatureSetpoint.SetCool",
		map[string]any{"coolCelsius": RoundToHalf(FahrenheitToCelsius(fahrenheit))})
}

// Bridge

type NestBridgeWrapper struct {
	client       *NestClient
	mqttClient   mqtt.Client
	topicPrefix  string
	pollInterval time.Duration
}

func (l *NestBridgeWrapper) String() string {
	return "NestBridgeWrapper"
}

func (l *NestBridgeWrapper) InitializeBridge(mqttClient mqtt.Client, config Config) error {
	clientSecret, err := fileToString(config.NestClientSecretFile)
	if err != nil {
		slog.Error("Error reading Nest client secret",
			"nestClientSecretFile", config.NestClientSecretFile, "error", err)
		return err
	}
	refreshToken, err := fileToString(config.NestRefreshTokenFile)
	if err != nil {
		slog.Error("Error reading Nest refresh token",
			"nestRefreshTokenFile", config.NestRefreshTokenFile, "error", err)
		return err
	}

	l.client = NewNestClient(config.NestClientID, clientSecret, refreshToken,
		config.NestProjectID, config.NestDeviceID)
	l.mqttClient = mqttClient
	l.topicPrefix = config.MQTTTopicPrefix
	l.pollInterval = 2 * time.Minute
	return nil
}

func (l *NestBridgeWrapper) Run(ctx context.Context) error {
	l.mqttClient.Subscribe(prefixedTopic(l.topicPrefix, "nest/mode/set"), 1,
		func(_ mqtt.Client, m mqtt.Message) {
			if err := l.client.SetMode(ctx, string(m.Payload())); err != nil {
				l.reportError("set thermostat mode", err)
			} else {
				l.publishState(ctx)
			}
		})
	l.mqttClient.Subscribe(prefixedTopic(l.topicPrefix, "nest/eco/set"), 1,
		func(_ mqtt.Client, m mqtt.Message) {
			eco, err := strconv.ParseBool(string(m.Payload()))
			if err != nil {
				slog.Error("Could not parse payload", "topic", "nest/eco/set", "error", err)
				return
			}
			if err := l.client.SetEco(ctx, eco); err != nil {
				l.reportError("set thermostat eco", err)
			} else {
				l.publishState(ctx)
			}
		})
	l.mqttClient.Subscribe(prefixedTopic(l.topicPrefix, "nest/setpoint/set"), 1,
		func(_ mqtt.Client, m mqtt.Message) {
			var setpoint struct {
				HeatF float64 `json:"heatF"`
				CoolF float64 `json:"coolF"`
			}
			if err := json.Unmarshal(m.Payload(), &setpoint); err != nil {
				slog.Error("Could not parse payload", "topic", "nest/setpoint/set", "error", err)
				return
			}
			if setpoint.HeatF != 0 {
				if err := l.client.SetHeatF(ctx, setpoint.HeatF); err != nil {
					l.reportError("set thermostat heat setpoint", err)
				}
			}
			if setpoint.CoolF != 0 {
				if err := l.client.SetCoolF(ctx, setpoint.CoolF); err != nil {
					l.reportError("set thermostat cool setpoint", err)
				}
			}
			l.publishState(ctx)
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

func (l *NestBridgeWrapper) publishState(ctx context.Context) {
	state, err := l.client.GetState(ctx)
	if err != nil {
		l.reportError("read thermostat state", err)
		return
	}
	payload, err := json.Marshal(state)
	if err != nil {
		slog.Error("Could not marshal nest state", "error", err)
		return
	}
	l.mqttClient.Publish(prefixedTopic(l.topicPrefix, "nest/state"), 1, true, payload)
}

func (l *NestBridgeWrapper) reportError(action string, err error) {
	slog.Error("Nest bridge error", "action", action, "error", err)
	l.mqttClient.Publish(prefixedTopic(l.topicPrefix, "homehub/bridge/error"), 1, false,
		fmt.Sprintf("thermostat: could not %s: %v", action, err))
}
