package homehub

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const vesyncAPIBase = "https://smartapi.vesync.com"

// VeSyncClient drives Levoit air purifiers through the VeSync cloud.
// Login yields a token + account id that every later call carries.
type VeSyncClient struct {
	httpClient *http.Client
	apiBase    string
	email      string
	password   string

	token     string
	accountID string
}

func NewVeSyncClient(email, password string) *VeSyncClient {
	return &VeSyncClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		apiBase:    vesyncAPIBase,
		email:      email,
		password:   password,
	}
}

type PurifierState struct {
	DeviceName string `json:"deviceName"`
	UUID       string `json:"uuid"`
	On         bool   `json:"on"`
	Mode       string `json:"mode"`
	FanLevel   int    `json:"fanLevel"`
	AirQuality int    `json:"airQuality"`
	FilterLife int    `json:"filterLife"`
}

type VeSyncState struct {
	Timestamp       string          `json:"timestamp"`
	AnyOn           bool            `json:"anyOn"`
	WorstAirQuality int             `json:"worstAirQuality"`
	Purifiers       []PurifierState `json:"purifiers"`
}

func (c *VeSyncClient) Login(ctx context.Context) error {
	hash := md5.Sum([]byte(c.password))
	body, err := json.Marshal(map[string]any{
		"email":          c.email,
		"password":       hex.EncodeToString(hash[:]),
		"devToken":       "",
		"userType":       "1",
		"method":         "login",
		"token":          "",
		"traceId":        strconv.FormatInt(time.Now().Unix(), 10),
		"timeZone":       "America/Chicago",
		"acceptLanguage": "en",
	})
	if err != nil {
		return err
	}

	data, err := c.post(ctx, "/cloud/v1/user/login", body)
	if err != nil {
		return err
	}

	var response struct {
		Code   int    `json:"code"`
		Msg    string `json:"msg"`
		Result struct {
			Token     string `json:"token"`
			AccountID string `json:"accountID"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return err
	}
	if response.Code != 0 {
		return fmt.Errorf("vesync login failed: code %d: %s", response.Code, response.Msg)
	}
	c.token = response.Result.Token
	c.accountID = response.Result.AccountID
	slog.Debug("Logged in to VeSync", "accountID", c.accountID)
	return nil
}

func (c *VeSyncClient) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("tk", c.token)
		req.Header.Set("accountid", c.accountID)
	}

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
		return nil, fmt.Errorf("vesync request %s failed: %d: %s", path, resp.StatusCode, data)
	}
	return data, nil
}

// Codes the cloud answers with once a session token has been
// invalidated, e.g. by logging in from the phone app.
func vesyncSessionExpired(data []byte) bool {
	var response struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return false
	}
	return response.Code == -11012022 || response.Code == -11044022
}

// authedPost posts a body built against the current session, logging
// in first when there is none and once more when the cloud reports the
// token stale. The body is rebuilt after a re-login because it carries
// the token inline.
func (c *VeSyncClient) authedPost(ctx context.Context, path string, build func() ([]byte, error)) ([]byte, error) {
	if c.token == "" {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}
	body, err := build()
	if err != nil {
		return nil, err
	}
	data, err := c.post(ctx, path, body)
	if err != nil {
		return nil, err
	}
	if vesyncSessionExpired(data) {
		c.token = ""
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
		body, err = build()
		if err != nil {
			return nil, err
		}
		return c.post(ctx, path, body)
	}
	return data, nil
}

// bypass wraps the per-device "bypassV2" call the purifier API uses.
func (c *VeSyncClient) bypass(ctx context.Context, uuid, method string, payloadData map[string]any) ([]byte, error) {
	return c.authedPost(ctx, "/cloud/v2/deviceManaged/bypassV2", func() ([]byte, error) {
		return json.Marshal(map[string]any{
			"method":    "bypassV2",
			"cid":       uuid,
			"accountID": c.accountID,
			"token":     c.token,
			"traceId":   strconv.FormatInt(time.Now().Unix(), 10),
			"payload": map[string]any{
				"method": method,
				"source": "APP",
				"data":   payloadData,
			},
		})
	})
}

func (c *VeSyncClient) ListDevices(ctx context.Context) ([]PurifierState, error) {
	data, err := c.authedPost(ctx, "/cloud/v1/deviceManaged/devices", func() ([]byte, error) {
		return json.Marshal(map[string]any{
			"method":    "devices",
			"accountID": c.accountID,
			"token":     c.token,
			"pageNo":    1,
			"pageSize":  50,
			"traceId":   strconv.FormatInt(time.Now().Unix(), 10),
		})
	})
	if err != nil {
		return nil, err
	}

	var response struct {
		Code   int `json:"code"`
		Result struct {
			List []struct {
				DeviceName   string `json:"deviceName"`
				UUID         string `json:"uuid"`
				DeviceStatus string `json:"deviceStatus"`
				Mode         string `json:"mode"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, err
	}
	if response.Code != 0 {
		return nil, fmt.Errorf("vesync device list failed: code %d", response.Code)
	}

	purifiers := make([]PurifierState, 0, len(response.Result.List))
	for _, device := range response.Result.List {
		purifiers = append(purifiers, PurifierState{
			DeviceName: device.DeviceName,
			UUID:       device.UUID,
			On:         device.DeviceStatus == "on",
			Mode:       device.Mode,
		})
	}
	return purifiers, nil
}

func (c *VeSyncClient) GetPurifierStatus(ctx context.Context, purifier *PurifierState) error {
	data, err := c.bypass(ctx, purifier.UUID, "getPurifierStatus", map[string]any{})
	if err != nil {
		return err
	}
	var response struct {
		Code   int `json:"code"`
		Result struct {
			Result struct {
				Enabled    bool   `json:"enabled"`
				Mode       string `json:"mode"`
				Level      int    `json:"level"`
				AirQuality int    `json:"air_quality"`
				FilterLife int    `json:"filter_life"`
			} `json:"result"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return err
	}
	if response.Code != 0 {
		return fmt.Errorf("vesync purifier status failed: code %d", response.Code)
	}
	purifier.On = response.Result.Result.Enabled
	purifier.Mode = response.Result.Result.Mode
	purifier.FanLevel = response.Result.Result.Level
	purifier.AirQuality = response.Result.Result.AirQuality
	purifier.FilterLife = response.Result.Result.FilterLife
	return nil
}

func (c *VeSyncClient) SetPower(ctx context.Context, uuid string, on bool) error {
	_, err := c.bypass(ctx, uuid, "setSwitch", map[string]any{"enabled": on, "id": 0})
	return err
}

func (c *VeSyncClient) SetFanLevel(ctx context.Context, uuid string, level int) error {
	_, err := c.bypass(ctx, uuid, "setLevel", map[string]any{"level": level, "id": 0, "type": "wind"})
	return err
}

func (c *VeSyncClient) SetMode(ctx context.Context, uuid string, mode string) error {
	_, err := c.bypass(ctx, uuid, "setPurifierMode", map[string]any{"mode": mode})
	return err
}

// Bridge

type VeSyncBridgeWrapper struct {
	client       *VeSyncClient
	mqttClient   mqtt.Client
	topicPrefix  string
	pollInterval time.Duration
}

func (l *VeSyncBridgeWrapper) String() string {
	return "VeSyncBridgeWrapper"
}

func (l *VeSyncBridgeWrapper) InitializeBridge(mqttClient mqtt.Client, config Config) error {
	account, err := fileToString(config.VeSyncAccountFile)
	if err != nil {
		slog.Error("Error reading VeSync account file",
			"vesyncAccountFile", config.VeSyncAccountFile, "error", err)
		return err
	}
	email, password, found := strings.Cut(account, ":")
	if !found {
		return fmt.Errorf("vesync account file must contain email:password")
	}

	l.client = NewVeSyncClient(email, password)
	l.mqttClient = mqttClient
	l.topicPrefix = config.MQTTTopicPrefix
	l.pollInterval = 5 * time.Minute
	return nil
}

func (l *VeSyncBridgeWrapper) Run(ctx context.Context) error {
	// Broadcast forms, used by transitions that address every purifier.
	l.mqttClient.Subscribe(prefixedTopic(l.topicPrefix, "vesync/power/set"), 1,
		func(_ mqtt.Client, m mqtt.Message) {
			on := string(m.Payload()) == "ON"
			l.forAllPurifiers(ctx, "set purifier power", func(uuid string) error {
				return l.client.SetPower(ctx, uuid, on)
			})
		})
	l.mqttClient.Subscribe(prefixedTopic(l.topicPrefix, "vesync/mode/set"), 1,
		func(_ mqtt.Client, m mqtt.Message) {
			mode := string(m.Payload())
			l.forAllPurifiers(ctx, "set purifier mode", func(uuid string) error {
				return l.client.SetMode(ctx, uuid, mode)
			})
		})
	l.mqttClient.Subscribe(prefixedTopic(l.topicPrefix, "vesync/+/power/set"), 1,
		func(_ mqtt.Client, m mqtt.Message) {
			uuid := topicSegment(m.Topic(), l.topicPrefix, 1)
			on := string(m.Payload()) == "ON"
			if err := l.client.SetPower(ctx, uuid, on); err != nil {
				l.reportError("set purifier power", err)
			} else {
				l.publishState(ctx)
			}
		})
	l.mqttClient.Subscribe(prefixedTopic(l.topicPrefix, "vesync/+/fanspeed/set"), 1,
		func(_ mqtt.Client, m mqtt.Message) {
			uuid := topicSegment(m.Topic(), l.topicPrefix, 1)
			level, err := strconv.Atoi(string(m.Payload()))
			if err != nil {
				slog.Error("Could not parse payload", "topic", m.Topic(), "error", err)
				return
			}
			if err := l.client.SetFanLevel(ctx, uuid, level); err != nil {
				l.reportError("set purifier fan speed", err)
			} else {
				l.publishState(ctx)
			}
		})
	l.mqttClient.Subscribe(prefixedTopic(l.topicPrefix, "vesync/+/mode/set"), 1,
		func(_ mqtt.Client, m mqtt.Message) {
			uuid := topicSegment(m.Topic(), l.topicPrefix, 1)
			if err := l.client.SetMode(ctx, uuid, string(m.Payload())); err != nil {
				l.reportError("set purifier mode", err)
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

func (l *VeSyncBridgeWrapper) forAllPurifiers(ctx context.Context, action string, apply func(uuid string) error) {
	purifiers, err := l.client.ListDevices(ctx)
	if err != nil {
		l.reportError("list purifiers", err)
		return
	}
	for _, purifier := range purifiers {
		if err := apply(purifier.UUID); err != nil {
			l.reportError(action+" for "+purifier.DeviceName, err)
		}
	}
	l.publishState(ctx)
}

func (l *VeSyncBridgeWrapper) publishState(ctx context.Context) {
	purifiers, err := l.client.ListDevices(ctx)
	if err != nil {
		l.reportError("list purifiers", err)
		return
	}

	state := VeSyncState{Timestamp: time.Now().Format(time.RFC3339)}
	for i := range purifiers {
		if err := l.client.GetPurifierStatus(ctx, &purifiers[i]); err != nil {
			l.reportError("read purifier status", err)
			continue
		}
		if purifiers[i].On {
			state.AnyOn = true
		}
		if purifiers[i].AirQuality > state.WorstAirQuality {
			state.WorstAirQuality = purifiers[i].AirQuality
		}
	}
	state.Purifiers = purifiers

	payload, err := json.Marshal(state)
	if err != nil {
		slog.Error("Could not marshal vesync state", "error", err)
		return
	}
	l.mqttClient.Publish(prefixedTopic(l.topicPrefix, "vesync/state"), 1, true, payload)
}

func (l *VeSyncBridgeWrapper) reportError(action string, err error) {
	slog.Error("VeSync bridge error", "action", action, "error", err)
	l.mqttClient.Publish(prefixedTopic(l.topicPrefix, "homehub/bridge/error"), 1, false,
		fmt.Sprintf("purifier: could not %s: %v", action, err))
}

// topicSegment extracts segment i counted from after the known leading
// part of a subscribed topic, e.g. segment 1 of "vesync/<uuid>/power/set".
func topicSegment(topic, prefix string, i int) string {
	if prefix != "" {
		topic = strings.TrimPrefix(topic, prefix+"/")
	}
	parts := strings.Split(topic, "/")
	if i >= len(parts) {
		return ""
	}
	return parts[i]
}
