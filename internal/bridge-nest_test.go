package homehub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const nestDeviceDocument = `{
	"traits": {
		"sdm.devices.traits.Temperature": {"ambientTemperatureCelsius": 21.0},
		"sdm.devices.traits.Humidity": {"ambientHumidityPercent": 43.0},
		"sdm.devices.traits.ThermostatMode": {"mode": "HEAT"},
		"sdm.devices.traits.ThermostatEco": {"mode": "MANUAL_ECO"},
		"sdm.devices.traits.ThermostatHvac": {"status": "HEATING"},
		"sdm.devices.traits.ThermostatTemperatureSetpoint": {"heatCelsius": 20.0}
	}
}`

func newTestNestClient(t *testing.T, apiHandler http.HandlerFunc) (*NestClient, *int) {
	t.Helper()

	tokenCalls := 0
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST token request, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if grant := r.Form.Get("grant_type"); grant != "refresh_token" {
			t.Errorf("Expected refresh_token grant, got %q", grant)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token": "token-%d", "expires_in": 3600}`, tokenCalls)
	}))
	t.Cleanup(tokenServer.Close)

	apiServer := httptest.NewServer(apiHandler)
	t.Cleanup(apiServer.Close)

	client := NewNestClient("client-id", "client-secret", "refresh-token", "project", "device")
	client.tokenURL = tokenServer.URL
	client.apiBase = apiServer.URL
	return client, &tokenCalls
}

func TestNestGetState(t *testing.T) {
	client, tokenCalls := newTestNestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/enterprises/project/devices/device" {
			t.Errorf("Unexpected path %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer token-1" {
			t.Errorf("Unexpected authorization header %q", auth)
		}
		fmt.Fprint(w, nestDeviceDocument)
	})

	state, err := client.GetState(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if *tokenCalls != 1 {
		t.Errorf("Expected 1 token refresh, got %d", *tokenCalls)
	}
	if !floatEquals(state.AmbientC, 21.0, 0.0001) {
		t.Errorf("Expected 21.0 C, got %v", state.AmbientC)
	}
	if !floatEquals(state.AmbientF, 69.8, 0.0001) {
		t.Errorf("Expected 69.8 F, got %v", state.AmbientF)
	}
	if state.Humidity != 43.0 {
		t.Errorf("Expected 43%% humidity, got %v", state.Humidity)
	}
	if state.Mode != "HEAT" || !state.Eco || state.HvacStatus != "HEATING" {
		t.Errorf("Unexpected mode state: %+v", state)
	}
	if !floatEquals(state.HeatSetpointF, 68.0, 0.0001) {
		t.Errorf("Expected 68.0 F heat setpoint, got %v", state.HeatSetpointF)
	}
}

func TestNestGetStatePartialTraits(t *testing.T) {
	client, _ := newTestNestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"traits": {"sdm.devices.traits.Temperature": {"ambientTemperatureCelsius": 18.5}}}`)
	})

	state, err := client.GetState(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !floatEquals(state.AmbientF, 65.3, 0.0001) {
		t.Errorf("Expected 65.3 F, got %v", state.AmbientF)
	}
	if state.Mode != "" || state.Eco || state.HeatSetpointF != 0 {
		t.Errorf("Expected missing traits to stay zero, got %+v", state)
	}
}

func TestNestRefreshesTokenOn401(t *testing.T) {
	deviceCalls := 0
	client, tokenCalls := newTestNestClient(t, func(w http.ResponseWriter, r *http.Request) {
		deviceCalls++
		if r.Header.Get("Authorization") == "Bearer token-1" {
			// First token was revoked server side
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, nestDeviceDocument)
	})

	state, err := client.GetState(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if deviceCalls != 2 {
		t.Errorf("Expected 2 device calls, got %d", deviceCalls)
	}
	if *tokenCalls != 2 {
		t.Errorf("Expected 2 token refreshes, got %d", *tokenCalls)
	}
	if state.Mode != "HEAT" {
		t.Errorf("Expected retried request to parse state, got %+v", state)
	}
}

func TestNestReusesUnexpiredToken(t *testing.T) {
	client, tokenCalls := newTestNestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, nestDeviceDocument)
	})

	if _, err := client.GetState(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := client.GetState(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if *tokenCalls != 1 {
		t.Errorf("Expected token to be reused, got %d refreshes", *tokenCalls)
	}
}

func TestNestSetHeatRoundsToHalfCelsius(t *testing.T) {
	var executed struct {
		Command string         `json:"command"`
		Params  map[string]any `json:"params"`
	}
	client, _ := newTestNestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&executed); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		fmt.Fprint(w, `{}`)
	})

	if err := client.SetHeatF(context.Background(), 70); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if executed.Command != "sdm.devices.commands.ThermostatTemperatureSetpoint.SetHeat" {
		t.Errorf("Unexpected command %q", executed.Command)
	}
	// 70 F is 21.11 C, rounded to the half degree the API accepts
	if heat := executed.Params["heatCelsius"].(float64); heat != 21.0 {
		t.Errorf("Expected 21.0 C, got %v", heat)
	}
}

func TestNestTokenExpiryForcesRefresh(t *testing.T) {
	client, tokenCalls := newTestNestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, nestDeviceDocument)
	})

	if _, err := client.GetState(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	client.tokenExpiry = time.Now().Add(-1 * time.Minute)
	if _, err := client.GetState(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if *tokenCalls != 2 {
		t.Errorf("Expected expired token to be refreshed, got %d refreshes", *tokenCalls)
	}
}
