package homehub

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// TapoPlugClient speaks the TP-Link Tapo local HTTP protocol to a
// single plug: login to http://<ip>/app for a session token, then
// get_device_info / set_device_info against the token URL.
type TapoPlugClient struct {
	httpClient *http.Client
	address    string
	username   string
	password   string

	sessionToken string
}

func NewTapoPlugClient(address, username, password string) *TapoPlugClient {
	return &TapoPlugClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		address:    address,
		username:   username,
		password:   password,
	}
}

type PlugState struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	On       bool   `json:"on"`
	OnTime   int    `json:"onTime"`
	Overheat bool   `json:"overheated"`
}

type tapoRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type tapoResponse struct {
	ErrorCode int             `json:"error_code"`
	Result    json.RawMessage `json:"result"`
}

func (c *TapoPlugClient) endpoint() string {
	url := "http://" + c.address + "/app"
	if c.sessionToken != "" {
		url += "?token=" + c.sessionToken
	}
	return url
}

func (c *TapoPlugClient) send(ctx context.Context, request tapoRequest) (json.RawMessage, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
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
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tapo request to %s failed: %d: %s", c.address, resp.StatusCode, data)
	}

	var response tapoResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, err
	}
	if response.ErrorCode != 0 {
		return nil, fmt.Errorf("tapo request to %s failed: error_code %d", c.address, response.ErrorCode)
	}
	return response.Result, nil
}

func (c *TapoPlugClient) Login(ctx context.Context) error {
	usernameHash := sha1.Sum([]byte(c.username))
	result, err := c.send(ctx, tapoRequest{
		Method: "login_device",
		Params: map[string]any{
			"username": base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(usernameHash[:]))),
			"password": base64.StdEncoding.EncodeToString([]byte(c.password)),
		},
	})
	if err != nil {
		return err
	}

	var loginResult struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(result, &loginResult); err != nil {
		return err
	}
	c.sessionToken = loginResult.Token
	slog.Debug("Logged in to Tapo plug", "address", c.address)
	return nil
}

// call runs a device method, logging in first if there is no session,
// and once more if the session has gone stale.
func (c *TapoPlugClient) call(ctx context.Context, request tapoRequest) (json.RawMessage, error) {
	if c.sessionToken == "" {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}
	result, err := c.send(ctx, request)
	if err != nil {
		c.sessionToken = ""
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
		result, err = c.send(ctx, request)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (c *TapoPlugClient) GetDeviceInfo(ctx context.Context) (PlugState, error) {
	result, err := c.call(ctx, tapoRequest{Method: "get_device_info"})
	if err != nil {
		return PlugState{}, err
	}

	var info struct {
		DeviceOn   bool `json:"device_on"`
		OnTime     int  `json:"on_time"`
		Overheated bool `json:"overheated"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		return PlugState{}, err
	}
	return PlugState{
		Address:  c.address,
		On:       info.DeviceOn,
		OnTime:   info.OnTime,
		Overheat: info.Overheated,
	}, nil
}

func (c *TapoPlugClient) SetPower(ctx context.Context, on bool) error {
	_, err := c.call(ctx, tapoRequest{
		Method: "set_device_info",
		Params: map[string]any{"device_on": on},
	})
	return err
}

// Toggle reads the current power state and flips it, returning the new
// state.
func (c *TapoPlugClient) Toggle(ctx context.Context) (bool, error) {
	state, err := c.GetDeviceInfo(ctx)
	if err != nil {
		return false, err
	}
	target := !state.On
	if err := c.SetPower(ctx, target); err != nil {
		return false, err
	}
	return target, nil
}

// Bridge

type TapoBridgeWrapper struct {
	plugs        map[string]*TapoPlugClient
	mqttClient   mqtt.Client
	topicPrefix  string
	pollInterval time.Duration
}

func (l *TapoBridgeWrapper) String() string {
	return "TapoBridgeWrapper"
}

func (l *TapoBridgeWrapper) InitializeBridge(mqttClient mqtt.Client, config Config) error {
	password, err := fileToString(config.TapoPasswordFile)
	if err != nil {
		slog.Error("Error reading Tapo password",
			"tapoPasswordFile", config.TapoPasswordFile, "error", err)
		return err
	}

	l.plugs = map[string]*TapoPlugClient{}
	for _, pair := range strings.Split(config.TapoAddresses, ",") {
		name, address, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || name == "" {
			return fmt.Errorf("tapo addresses must be name=ip pairs, got %q", pair)
		}
		l.plugs[name] = NewTapoPlugClient(address, config.TapoUsername, password)
	}

	l.mqttClient = mqttClient
	l.topicPrefix = config.MQTTTopicPrefix
	l.pollInterval = 1 * time.Minute
	return nil
}

func (l *TapoBridgeWrapper) Run(ctx context.Context) error {
	// Broadcast form, used by transitions that switch every plug.
	l.mqttClient.Subscribe(prefixedTopic(l.topicPrefix, "tapo/power/set"), 1,
		func(_ mqtt.Client, m mqtt.Message) {
			for name, plug := range l.plugs {
				if err := l.applyPower(ctx, plug, string(m.Payload())); err != nil {
					l.reportError("switch plug "+name, err)
				}
			}
			l.publishState(ctx)
		})
	l.mqttClient.Subscribe(prefixedTopic(l.topicPrefix, "tapo/+/power/set"), 1,
		func(_ mqtt.Client, m mqtt.Message) {
			name := topicSegment(m.Topic(), l.topicPrefix, 1)
			plug, exists := l.plugs[name]
			if !exists {
				slog.Error("Unknown Tapo plug", "name", name, "topic", m.Topic())
				return
			}
			if err := l.applyPower(ctx, plug, string(m.Payload())); err != nil {
				l.reportError("switch plug "+name, err)
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

// applyPower handles the ON/OFF/TOGGLE payload forms for one plug.
func (l *TapoBridgeWrapper) applyPower(ctx context.Context, plug *TapoPlugClient, payload string) error {
	switch strings.ToUpper(payload) {
	case "ON":
		return plug.SetPower(ctx, true)
	case "OFF":
		return plug.SetPower(ctx, false)
	case "TOGGLE":
		_, err := plug.Toggle(ctx)
		return err
	default:
		return fmt.Errorf("unknown power payload %q", payload)
	}
}

type TapoState struct {
	Timestamp string      `json:"timestamp"`
	AnyOn     bool        `json:"anyOn"`
	Plugs     []PlugState `json:"plugs"`
}

func (l *TapoBridgeWrapper) publishState(ctx context.Context) {
	state := TapoState{Timestamp: time.Now().Format(time.RFC3339)}
	for name, plug := range l.plugs {
		plugState, err := plug.GetDeviceInfo(ctx)
		if err != nil {
			l.reportError("read plug "+name, err)
			continue
		}
		plugState.Name = name
		if plugState.On {
			state.AnyOn = true
		}
		state.Plugs = append(state.Plugs, plugState)
	}

	payload, err := json.Marshal(state)
	if err != nil {
		slog.Error("Could not marshal tapo state", "error", err)
		return
	}
	l.mqttClient.Publish(prefixedTopic(l.topicPrefix, "tapo/state"), 1, true, payload)
}

func (l *TapoBridgeWrapper) reportError(action string, err error) {
	slog.Error("Tapo bridge error", "action", action, "error", err)
	l.mqttClient.Publish(prefixedTopic(l.topicPrefix, "homehub/bridge/error"), 1, false,
		fmt.Sprintf("plug: could not %s: %v", action, err))
}
