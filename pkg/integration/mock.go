package integration

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/plugwatch/plugwatch/pkg/log"
	"github.com/plugwatch/plugwatch/pkg/metrics"
	"github.com/plugwatch/plugwatch/pkg/types"
)

// FallbackNotConfigured is the DeviceList.FallbackReason of an unconfigured
// adapter.
const FallbackNotConfigured = "not configured"

var allCapabilities = []string{types.CapabilitySwitch, types.CapabilityPowerMeter, types.CapabilityEnergyMeter}

// SmartThingsMockDevices is the list served by an unconfigured or unreachable
// SmartThings adapter.
var SmartThingsMockDevices = []types.DeviceSummary{
	{
		ID:           "mock-smartthings-plug-1",
		DisplayName:  "Living Room Smart Plug",
		Brand:        "Samsung",
		Model:        "SmartThings Smart Plug",
		Room:         "Living Room",
		Capabilities: allCapabilities,
	},
	{
		ID:           "mock-smartthings-plug-2",
		DisplayName:  "Office Heater Plug",
		Brand:        "Samsung",
		Model:        "SmartThings Smart Plug",
		Room:         "Office",
		Capabilities: allCapabilities,
	},
}

// HomeAssistantMockDevices is the list served by an unconfigured or
// unreachable Home Assistant adapter.
var HomeAssistantMockDevices = []types.DeviceSummary{
	{
		ID:           "switch.mock_kettle",
		DisplayName:  "Kettle Plug",
		Brand:        "Home Assistant",
		Room:         "Kitchen",
		Capabilities: []string{types.CapabilitySwitch, types.CapabilityPowerMeter},
	},
}

// mockList copies devices so callers cannot mutate the package list.
func mockList(devices []types.DeviceSummary, reason string) types.DeviceList {
	out := make([]types.DeviceSummary, len(devices))
	for i, d := range devices {
		d.Capabilities = slices.Clone(d.Capabilities)
		out[i] = d
	}
	return types.DeviceList{
		Devices:        out,
		Mock:           true,
		FallbackReason: reason,
	}
}

// degradedList logs and counts a vendor error before serving the mock list.
func degradedList(ctx context.Context, provider string, devices []types.DeviceSummary, err error) types.DeviceList {
	log.Ctx(ctx).WarnContext(ctx, "device list failed, serving mock devices", slog.String("provider", provider), slog.Any("error", err))
	metrics.ObserveListFallback(provider)
	return mockList(devices, err.Error())
}

// unconfiguredStatus is the synthetic online-but-empty status of an unconfigured
// adapter.
func unconfiguredStatus(deviceID string) types.DeviceStatus {
	return types.DeviceStatus{
		DeviceID:  deviceID,
		Online:    true,
		FetchedAt: time.Now(),
	}
}
