// Package integration normalizes third-party smart device APIs behind one
// Adapter contract and keeps the registry of available adapters.
package integration

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/plugwatch/plugwatch/pkg/types"
)

// Adapter translates one vendor's device model into the normalized types.
type Adapter interface {
	Info() types.ProviderInfo

	// IsConfigured reports whether every required credential is present. It
	// does no I/O.
	IsConfigured() bool

	// ListDevices never fails. Unconfigured adapters and vendor errors both
	// return the adapter's mock list with Mock set.
	ListDevices(ctx context.Context) types.DeviceList

	// GetStatus returns an online status with no payload when unconfigured and
	// an ErrProviderUnavailable error when the vendor cannot be reached.
	GetStatus(ctx context.Context, deviceID string) (types.DeviceStatus, error)

	// ExecuteCommand simulates success when unconfigured. A vendor refusal is
	// ErrCommandRejected with the vendor's message.
	ExecuteCommand(ctx context.Context, deviceID string, cmd types.Command) (types.CommandResult, error)

	// Project extracts the normalized reading from a status. It never panics
	// and leaves fields nil when the payload does not carry them.
	Project(status types.DeviceStatus) types.Reading
}

// TokenBinder is implemented by adapters that accept per-user tokens.
type TokenBinder interface {
	// WithToken returns a copy of the adapter bound to token. The receiver is
	// not modified.
	WithToken(token string) Adapter
}

// CredentialLookup returns a saved token or "" when there is none.
type CredentialLookup interface {
	Get(ctx context.Context, userID, providerID string) (string, error)
}

type registration struct {
	adapter Adapter
	// binder is nil when the adapter cannot take a token
	binder TokenBinder
}

// Registry holds the registered adapters by ID.
type Registry struct {
	creds CredentialLookup

	mu       sync.RWMutex
	adapters map[string]registration
}

// NewRegistry creates an empty Registry. creds may be nil, in which case
// unconfigured adapters can never be resolved.
func NewRegistry(creds CredentialLookup) *Registry {
	return &Registry{
		creds:    creds,
		adapters: map[string]registration{},
	}
}

// Configured sets up a Registry with every known adapter.
func Configured(creds CredentialLookup) *Registry {
	r := NewRegistry(creds)
	r.Register(configuredSmartThings())
	r.Register(configuredHomeAssistant())
	return r
}

// Register adds a, replacing any adapter already registered under the same ID.
func (r *Registry) Register(a Adapter) {
	reg := registration{adapter: a}
	if b, ok := a.(TokenBinder); ok {
		reg.binder = b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Info().ID] = reg
}

// List returns the status of every adapter sorted by ID.
func (r *Registry) List() []types.IntegrationStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.IntegrationStatus, 0, len(r.adapters))
	for _, reg := range r.adapters {
		info := reg.adapter.Info()
		out = append(out, types.IntegrationStatus{
			ID:            info.ID,
			Name:          info.Name,
			Vendor:        info.Vendor,
			Configured:    reg.adapter.IsConfigured(),
			SupportsToken: reg.binder != nil,
		})
	}
	slices.SortFunc(out, func(a, b types.IntegrationStatus) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// IDs returns every registered adapter ID sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.adapters[id]
	return reg.adapter, ok
}

// SupportsToken reports whether the adapter under id accepts user tokens.
func (r *Registry) SupportsToken(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[id].binder != nil
}

// ResolveConfigured returns an adapter able to talk to the vendor for userID.
// A configured adapter is returned as is. Otherwise the user's saved token is
// bound to a copy of the adapter. Without either it fails with
// ErrNotConfigured.
func (r *Registry) ResolveConfigured(ctx context.Context, id, userID string) (Adapter, error) {
	r.mu.RLock()
	reg, ok := r.adapters[id]
	r.mu.RUnlock()
	if !ok {
		return nil, types.NewIntegrationError(types.ErrNotConfigured, id, "unknown provider", nil)
	}
	if reg.adapter.IsConfigured() {
		return reg.adapter, nil
	}
	if reg.binder == nil || r.creds == nil {
		return nil, types.NewIntegrationError(types.ErrNotConfigured, id, "", nil)
	}
	token, err := r.creds.Get(ctx, userID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s token: %w", id, err)
	}
	if token == "" {
		return nil, types.NewIntegrationError(types.ErrNotConfigured, id, "", nil)
	}
	return reg.binder.WithToken(token), nil
}
