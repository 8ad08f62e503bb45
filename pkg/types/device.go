package types

import (
	"encoding/json"
	"time"
)

// Capability names shared by the adapters' normalized device model.
const (
	CapabilitySwitch      = "switch"
	CapabilityPowerMeter  = "powerMeter"
	CapabilityEnergyMeter = "energyMeter"
)

// DeviceSummary is a normalized snapshot of a vendor device. It is re-fetched
// every poll and never persisted.
type DeviceSummary struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"displayName"`
	Brand        string   `json:"brand"`
	Model        string   `json:"model,omitempty"`
	Room         string   `json:"room,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// HasCapability reports whether the device advertises the named capability.
func (d DeviceSummary) HasCapability(name string) bool {
	for _, c := range d.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// DeviceList is the result of listing devices on an adapter. Mock is set when
// the devices are the adapter's fixed demo list, either because the adapter
// is not configured or because the vendor call failed (FallbackReason).
type DeviceList struct {
	Devices        []DeviceSummary `json:"devices"`
	Mock           bool            `json:"mock"`
	FallbackReason string          `json:"fallbackReason,omitempty"`
}

// DeviceStatus is the latest status of a device. Raw is the vendor payload and
// is only interpreted through an adapter's projection.
type DeviceStatus struct {
	DeviceID  string          `json:"deviceId"`
	Online    bool            `json:"online"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Reading is the projection of a DeviceStatus. A nil field means the vendor
// payload did not carry that value.
type Reading struct {
	PowerW    *float64 `json:"powerW"`
	EnergyKWh *float64 `json:"energyKWh"`
	SwitchOn  *bool    `json:"switchOn"`
}

// Command is a device command in the capability/command/arguments shape used
// by the API.
type Command struct {
	Capability string `json:"capability"`
	Command    string `json:"command"`
	Arguments  []any  `json:"arguments,omitempty"`
	Component  string `json:"component,omitempty"`
}

// CommandResult is the outcome of executing a command.
type CommandResult struct {
	OK  bool            `json:"ok"`
	Raw json.RawMessage `json:"raw,omitempty"`
}

// ProviderInfo provides metadata about an integration provider.
type ProviderInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Vendor string `json:"vendor"`
}

// IntegrationStatus is a registry listing entry.
type IntegrationStatus struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Vendor        string `json:"vendor"`
	Configured    bool   `json:"configured"`
	SupportsToken bool   `json:"supportsToken"`
}

// CredentialRecord is a stored, encrypted vendor token.
type CredentialRecord struct {
	UserID     string `json:"userId"`
	ProviderID string `json:"providerId"`
	CipherText []byte `json:"cipherText"`
}
