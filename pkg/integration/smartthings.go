package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/plugwatch/plugwatch/pkg/common"
	"github.com/plugwatch/plugwatch/pkg/log"
	"github.com/plugwatch/plugwatch/pkg/types"
)

const (
	smartThingsID      = "smartthings"
	smartThingsBaseURL = "https://api.smartthings.com/v1"
	// smartThingsMaxPages bounds pagination of the device list
	smartThingsMaxPages = 10
)

// SmartThings implements Adapter for the SmartThings REST API. It is
// configured by a personal access token, either globally or per user through
// WithToken.
type SmartThings struct {
	vendorClient
}

var (
	_ Adapter     = (*SmartThings)(nil)
	_ TokenBinder = (*SmartThings)(nil)
)

// NewSmartThings returns a SmartThings adapter. An empty baseURL uses the
// public API.
func NewSmartThings(client *http.Client, baseURL, token string) *SmartThings {
	if baseURL == "" {
		baseURL = smartThingsBaseURL
	}
	return &SmartThings{vendorClient{
		provider: smartThingsID,
		client:   client,
		baseURL:  baseURL,
		token:    token,
	}}
}

func configuredSmartThings() *SmartThings {
	baseURL := lflag.String("smartthings-base-url", smartThingsBaseURL, "SmartThings API base URL")
	token := lflag.String("smartthings-token", "", "SmartThings personal access token shared by all users (optional)")
	timeout := lflag.Duration("smartthings-timeout", 15*time.Second, "SmartThings HTTP timeout")

	s := NewSmartThings(nil, "", "")

	lflag.Do(func() {
		s.baseURL = *baseURL
		s.token = *token
		s.client = common.HTTPClient(*timeout)
	})

	return s
}

// Info describes the provider.
func (s *SmartThings) Info() types.ProviderInfo {
	return types.ProviderInfo{
		ID:     smartThingsID,
		Name:   "SmartThings",
		Vendor: "Samsung",
	}
}

// IsConfigured is true once a token is set.
func (s *SmartThings) IsConfigured() bool {
	return s.token != ""
}

// WithToken returns a copy bound to token.
func (s *SmartThings) WithToken(token string) Adapter {
	c := *s
	c.token = token
	return &c
}

type stDevice struct {
	DeviceID         string `json:"deviceId"`
	Name             string `json:"name"`
	Label            string `json:"label"`
	ManufacturerName string `json:"manufacturerName"`
	RoomID           string `json:"roomId"`
	OCF              *struct {
		ModelNumber string `json:"modelNumber"`
	} `json:"ocf"`
	Components []struct {
		ID           string `json:"id"`
		Capabilities []struct {
			ID string `json:"id"`
		} `json:"capabilities"`
	} `json:"components"`
}

type stDeviceList struct {
	Items []stDevice `json:"items"`
	Links struct {
		Next *struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"_links"`
}

func (d stDevice) summary() types.DeviceSummary {
	sum := types.DeviceSummary{
		ID:          d.DeviceID,
		DisplayName: d.Label,
		Brand:       d.ManufacturerName,
		Room:        d.RoomID,
	}
	if sum.DisplayName == "" {
		sum.DisplayName = d.Name
	}
	if sum.Brand == "" {
		sum.Brand = "SmartThings"
	}
	if d.OCF != nil {
		sum.Model = d.OCF.ModelNumber
	}
	seen := map[string]bool{}
	for _, c := range d.Components {
		for _, capability := range c.Capabilities {
			if !seen[capability.ID] {
				seen[capability.ID] = true
				sum.Capabilities = append(sum.Capabilities, capability.ID)
			}
		}
	}
	return sum
}

// ListDevices pages through /devices.
func (s *SmartThings) ListDevices(ctx context.Context) types.DeviceList {
	if !s.IsConfigured() {
		return mockList(SmartThingsMockDevices, FallbackNotConfigured)
	}

	var devices []types.DeviceSummary
	endpoint := "devices"
	for page := 0; endpoint != "" && page < smartThingsMaxPages; page++ {
		var list stDeviceList
		if _, err := s.getJSON(ctx, endpoint, &list); err != nil {
			return degradedList(ctx, smartThingsID, SmartThingsMockDevices, err)
		}
		for _, d := range list.Items {
			devices = append(devices, d.summary())
		}
		endpoint = ""
		if list.Links.Next != nil && list.Links.Next.Href != "" {
			next, err := s.relativeEndpoint(list.Links.Next.Href)
			if err != nil {
				log.Ctx(ctx).WarnContext(ctx, "ignoring smartthings next link", slog.String("href", list.Links.Next.Href), slog.Any("error", err))
				break
			}
			endpoint = next
		}
	}
	return types.DeviceList{Devices: devices}
}

// relativeEndpoint turns an absolute next link into a path under baseURL so
// the token is never sent to another host.
func (s *SmartThings) relativeEndpoint(href string) (string, error) {
	base, err := url.Parse(s.baseURL)
	if err != nil {
		return "", err
	}
	next, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	if next.Host != "" && next.Host != base.Host {
		return "", fmt.Errorf("unexpected host %s", next.Host)
	}
	rel := url.URL{
		Path:     strings.TrimPrefix(next.Path, base.Path),
		RawQuery: next.RawQuery,
	}
	return rel.String(), nil
}

type stHealth struct {
	State string `json:"state"`
}

// GetStatus fetches the device status and health.
func (s *SmartThings) GetStatus(ctx context.Context, deviceID string) (types.DeviceStatus, error) {
	if !s.IsConfigured() {
		return unconfiguredStatus(deviceID), nil
	}

	id := url.PathEscape(deviceID)
	raw, err := s.getJSON(ctx, "devices/"+id+"/status", nil)
	if err != nil {
		return types.DeviceStatus{}, err
	}

	online := true
	var health stHealth
	if _, err := s.getJSON(ctx, "devices/"+id+"/health", &health); err != nil {
		log.Ctx(ctx).DebugContext(ctx, "smartthings health unavailable, assuming online", slog.String("deviceID", deviceID), slog.Any("error", err))
	} else if strings.EqualFold(health.State, "OFFLINE") {
		online = false
	}

	return types.DeviceStatus{
		DeviceID:  deviceID,
		Online:    online,
		Raw:       json.RawMessage(raw),
		FetchedAt: time.Now(),
	}, nil
}

type stCommand struct {
	Component  string `json:"component"`
	Capability string `json:"capability"`
	Command    string `json:"command"`
	Arguments  []any  `json:"arguments,omitempty"`
}

type stCommandResults struct {
	Results []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"results"`
}

// ExecuteCommand posts a single command to the device.
func (s *SmartThings) ExecuteCommand(ctx context.Context, deviceID string, cmd types.Command) (types.CommandResult, error) {
	if !s.IsConfigured() {
		return types.CommandResult{OK: true}, nil
	}

	component := cmd.Component
	if component == "" {
		component = "main"
	}
	req, err := s.newRequest(ctx, http.MethodPost, "devices/"+url.PathEscape(deviceID)+"/commands", map[string]interface{}{
		"commands": []stCommand{{
			Component:  component,
			Capability: cmd.Capability,
			Command:    cmd.Command,
			Arguments:  cmd.Arguments,
		}},
	})
	if err != nil {
		return types.CommandResult{}, err
	}
	body, err := s.do(req, types.ErrCommandRejected)
	if err != nil {
		return types.CommandResult{}, err
	}

	var results stCommandResults
	if err := json.Unmarshal(body, &results); err == nil {
		for _, r := range results.Results {
			if strings.EqualFold(r.Status, "FAILED") {
				return types.CommandResult{}, types.NewIntegrationError(types.ErrCommandRejected, smartThingsID, "command failed on device", nil)
			}
		}
	}
	return types.CommandResult{OK: true, Raw: json.RawMessage(body)}, nil
}

type stAttribute[T any] struct {
	Value T      `json:"value"`
	Unit  string `json:"unit"`
}

type stStatus struct {
	Components map[string]struct {
		Switch struct {
			Switch *stAttribute[string] `json:"switch"`
		} `json:"switch"`
		PowerMeter struct {
			Power *stAttribute[optFloat] `json:"power"`
		} `json:"powerMeter"`
		EnergyMeter struct {
			Energy *stAttribute[optFloat] `json:"energy"`
		} `json:"energyMeter"`
	} `json:"components"`
}

// Project reads the main component's switch, power and energy attributes.
// Energy reported in Wh is converted to kWh.
func (s *SmartThings) Project(status types.DeviceStatus) types.Reading {
	var r types.Reading
	if len(status.Raw) == 0 {
		return r
	}
	var st stStatus
	if err := json.Unmarshal(status.Raw, &st); err != nil {
		return r
	}
	main, ok := st.Components["main"]
	if !ok {
		return r
	}
	if a := main.Switch.Switch; a != nil {
		r.SwitchOn = parseSwitch(a.Value)
	}
	if a := main.PowerMeter.Power; a != nil {
		r.PowerW = a.Value.ptr()
	}
	if a := main.EnergyMeter.Energy; a != nil {
		if v := a.Value.ptr(); v != nil {
			if strings.EqualFold(a.Unit, "Wh") {
				*v /= 1000
			}
			r.EnergyKWh = v
		}
	}
	return r
}
