package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/plugwatch/plugwatch/pkg/common"
	"github.com/plugwatch/plugwatch/pkg/types"
)

const homeAssistantID = "homeassistant"

// HomeAssistant implements Adapter for a Home Assistant instance using a
// long-lived access token. Only switch entities are exposed.
type HomeAssistant struct {
	vendorClient
}

var _ Adapter = (*HomeAssistant)(nil)

// NewHomeAssistant returns a HomeAssistant adapter for the instance at
// baseURL.
func NewHomeAssistant(client *http.Client, baseURL, token string) *HomeAssistant {
	return &HomeAssistant{vendorClient{
		provider: homeAssistantID,
		client:   client,
		baseURL:  baseURL,
		token:    token,
	}}
}

func configuredHomeAssistant() *HomeAssistant {
	baseURL := lflag.String("homeassistant-url", "", "Home Assistant base URL, e.g. http://homeassistant.local:8123")
	token := lflag.String("homeassistant-token", "", "Home Assistant long-lived access token")
	timeout := lflag.Duration("homeassistant-timeout", 10*time.Second, "Home Assistant HTTP timeout")

	h := NewHomeAssistant(nil, "", "")

	lflag.Do(func() {
		h.baseURL = *baseURL
		h.token = *token
		h.client = common.HTTPClient(*timeout)
	})

	return h
}

// Info describes the provider.
func (h *HomeAssistant) Info() types.ProviderInfo {
	return types.ProviderInfo{
		ID:     homeAssistantID,
		Name:   "Home Assistant",
		Vendor: "Home Assistant",
	}
}

// IsConfigured requires both the URL and the token.
func (h *HomeAssistant) IsConfigured() bool {
	return h.baseURL != "" && h.token != ""
}

type haState struct {
	EntityID   string       `json:"entity_id"`
	State      string       `json:"state"`
	Attributes haAttributes `json:"attributes"`
}

type haAttributes struct {
	FriendlyName   string   `json:"friendly_name"`
	CurrentPowerW  optFloat `json:"current_power_w"`
	Power          optFloat `json:"power"`
	TodayEnergyKWh optFloat `json:"today_energy_kwh"`
	Energy         optFloat `json:"energy"`
}

func (a haAttributes) power() *float64 {
	if v := a.CurrentPowerW.ptr(); v != nil {
		return v
	}
	return a.Power.ptr()
}

func (a haAttributes) energy() *float64 {
	if v := a.TodayEnergyKWh.ptr(); v != nil {
		return v
	}
	return a.Energy.ptr()
}

func (s haState) summary() types.DeviceSummary {
	sum := types.DeviceSummary{
		ID:           s.EntityID,
		DisplayName:  s.Attributes.FriendlyName,
		Brand:        "Home Assistant",
		Capabilities: []string{types.CapabilitySwitch},
	}
	if sum.DisplayName == "" {
		sum.DisplayName = s.EntityID
	}
	if s.Attributes.power() != nil {
		sum.Capabilities = append(sum.Capabilities, types.CapabilityPowerMeter)
	}
	if s.Attributes.energy() != nil {
		sum.Capabilities = append(sum.Capabilities, types.CapabilityEnergyMeter)
	}
	return sum
}

// ListDevices returns every switch entity.
func (h *HomeAssistant) ListDevices(ctx context.Context) types.DeviceList {
	if !h.IsConfigured() {
		return mockList(HomeAssistantMockDevices, FallbackNotConfigured)
	}

	var states []haState
	if _, err := h.getJSON(ctx, "api/states", &states); err != nil {
		return degradedList(ctx, homeAssistantID, HomeAssistantMockDevices, err)
	}
	devices := []types.DeviceSummary{}
	for _, s := range states {
		if strings.HasPrefix(s.EntityID, "switch.") {
			devices = append(devices, s.summary())
		}
	}
	return types.DeviceList{Devices: devices}
}

// GetStatus fetches the entity state. An "unavailable" state is offline.
func (h *HomeAssistant) GetStatus(ctx context.Context, deviceID string) (types.DeviceStatus, error) {
	if !h.IsConfigured() {
		return unconfiguredStatus(deviceID), nil
	}

	var state haState
	raw, err := h.getJSON(ctx, "api/states/"+url.PathEscape(deviceID), &state)
	if err != nil {
		return types.DeviceStatus{}, err
	}
	return types.DeviceStatus{
		DeviceID:  deviceID,
		Online:    state.State != "unavailable",
		Raw:       json.RawMessage(raw),
		FetchedAt: time.Now(),
	}, nil
}

// ExecuteCommand supports switch on and off through the entity's domain
// turn_on and turn_off services.
func (h *HomeAssistant) ExecuteCommand(ctx context.Context, deviceID string, cmd types.Command) (types.CommandResult, error) {
	if !h.IsConfigured() {
		return types.CommandResult{OK: true}, nil
	}

	if cmd.Capability != types.CapabilitySwitch || (cmd.Command != "on" && cmd.Command != "off") {
		return types.CommandResult{}, types.NewIntegrationError(types.ErrCommandRejected, homeAssistantID, "unsupported command "+cmd.Capability+"."+cmd.Command, nil)
	}
	domain, _, ok := strings.Cut(deviceID, ".")
	if !ok || domain == "" {
		return types.CommandResult{}, types.NewIntegrationError(types.ErrCommandRejected, homeAssistantID, "invalid entity id "+deviceID, nil)
	}

	req, err := h.newRequest(ctx, http.MethodPost, "api/services/"+url.PathEscape(domain)+"/turn_"+cmd.Command, map[string]string{
		"entity_id": deviceID,
	})
	if err != nil {
		return types.CommandResult{}, err
	}
	body, err := h.do(req, types.ErrCommandRejected)
	if err != nil {
		return types.CommandResult{}, err
	}
	return types.CommandResult{OK: true, Raw: json.RawMessage(body)}, nil
}

// Project reads the entity state and its power and energy attributes.
func (h *HomeAssistant) Project(status types.DeviceStatus) types.Reading {
	var r types.Reading
	if len(status.Raw) == 0 {
		return r
	}
	var state haState
	if err := json.Unmarshal(status.Raw, &state); err != nil {
		return r
	}
	r.SwitchOn = parseSwitch(state.State)
	r.PowerW = state.Attributes.power()
	r.EnergyKWh = state.Attributes.energy()
	return r
}
