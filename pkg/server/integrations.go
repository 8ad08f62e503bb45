package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/plugwatch/plugwatch/pkg/integration"
	"github.com/plugwatch/plugwatch/pkg/log"
	"github.com/plugwatch/plugwatch/pkg/types"
	"github.com/plugwatch/plugwatch/pkg/usage"
)

// maxRequestBytes caps JSON request bodies.
const maxRequestBytes = 1 << 20

const connectAccountMessage = "connect your account"

// writeIntegrationError maps the integration error kinds onto HTTP responses.
func writeIntegrationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotConfigured):
		writeJSONError(w, connectAccountMessage, http.StatusPreconditionFailed)
	case errors.Is(err, types.ErrCommandRejected):
		writeJSONError(w, types.UserMessage(err), http.StatusUnprocessableEntity)
	case errors.Is(err, types.ErrProviderUnavailable):
		writeJSONError(w, "provider unavailable", http.StatusServiceUnavailable)
	default:
		log.Ctx(ctx).ErrorContext(ctx, "integration request failed", slog.Any("error", err))
		writeJSONError(w, "internal error", http.StatusInternalServerError)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to decode request", slog.Any("error", err))
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return false
	}
	return true
}

// providerID returns the {provider} path value, writing a 404 when nothing is
// registered under it.
func (s *Server) providerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("provider")
	if _, ok := s.registry.Get(id); !ok {
		writeJSONError(w, "unknown provider", http.StatusNotFound)
		return "", false
	}
	return id, true
}

// adapterFor returns the adapter bound to the user's credentials. When the
// user has not connected the provider the unconfigured adapter is returned
// with configured set to false so callers can serve demo data.
func (s *Server) adapterFor(ctx context.Context, providerID, userID string) (integration.Adapter, bool, error) {
	a, err := s.registry.ResolveConfigured(ctx, providerID, userID)
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, types.ErrNotConfigured) {
		return nil, false, err
	}
	demo, ok := s.registry.Get(providerID)
	if !ok {
		return nil, false, err
	}
	return demo, false, nil
}

type integrationResponse struct {
	types.IntegrationStatus
	// Connected is set when the user saved a token for the provider.
	Connected bool `json:"connected"`
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.getUserID(r)

	list := s.registry.List()
	out := make([]integrationResponse, 0, len(list))
	for _, st := range list {
		resp := integrationResponse{IntegrationStatus: st}
		if st.SupportsToken {
			token, err := s.credentials.Get(ctx, userID, st.ID)
			if err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to look up token", slog.String("providerID", st.ID), slog.Any("error", err))
			}
			resp.Connected = token != ""
		}
		out = append(out, resp)
	}
	writeJSON(w, struct {
		Integrations []integrationResponse `json:"integrations"`
	}{out})
}

type devicesResponse struct {
	types.DeviceList
	Configured bool `json:"configured"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerID, ok := s.providerID(w, r)
	if !ok {
		return
	}
	a, configured, err := s.adapterFor(ctx, providerID, s.getUserID(r))
	if err != nil {
		writeIntegrationError(ctx, w, err)
		return
	}
	list := a.ListDevices(ctx)
	if list.Devices == nil {
		list.Devices = []types.DeviceSummary{}
	}
	writeJSON(w, devicesResponse{DeviceList: list, Configured: configured})
}

type statusResponse struct {
	Status  types.DeviceStatus `json:"status"`
	Reading types.Reading      `json:"reading"`
	// Stale is set when the vendor was unreachable and the last known status
	// is served instead.
	Stale bool `json:"stale"`
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerID, ok := s.providerID(w, r)
	if !ok {
		return
	}
	userID := s.getUserID(r)
	deviceID := r.PathValue("device")
	ctx = log.WithDevice(ctx, providerID, deviceID)

	a, configured, err := s.adapterFor(ctx, providerID, userID)
	if err != nil {
		writeIntegrationError(ctx, w, err)
		return
	}
	if !configured {
		writeJSONError(w, connectAccountMessage, http.StatusPreconditionFailed)
		return
	}

	key := usage.Key{UserID: userID, ProviderID: providerID, DeviceID: deviceID}
	status, err := a.GetStatus(ctx, deviceID)
	if err != nil {
		if errors.Is(err, types.ErrProviderUnavailable) {
			if cached, ok := s.poller.LastStatus(key); ok {
				log.Ctx(ctx).InfoContext(ctx, "serving cached status", slog.Any("error", err))
				writeJSON(w, statusResponse{Status: cached, Reading: a.Project(cached), Stale: true})
				return
			}
		}
		writeIntegrationError(ctx, w, err)
		return
	}
	s.poller.RememberStatus(key, status)
	writeJSON(w, statusResponse{Status: status, Reading: a.Project(status)})
}

type commandResponse struct {
	types.CommandResult
	// Simulated is set when the provider is not connected and the command was
	// not sent anywhere.
	Simulated bool `json:"simulated"`
}

func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerID, ok := s.providerID(w, r)
	if !ok {
		return
	}
	deviceID := r.PathValue("device")
	ctx = log.WithDevice(ctx, providerID, deviceID)

	var cmd types.Command
	if !decodeJSON(w, r, &cmd) {
		return
	}
	if cmd.Capability == "" || cmd.Command == "" {
		writeJSONError(w, "capability and command are required", http.StatusBadRequest)
		return
	}

	a, configured, err := s.adapterFor(ctx, providerID, s.getUserID(r))
	if err != nil {
		writeIntegrationError(ctx, w, err)
		return
	}
	res, err := a.ExecuteCommand(ctx, deviceID, cmd)
	if err != nil {
		writeIntegrationError(ctx, w, err)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "executed command", slog.String("capability", cmd.Capability), slog.String("command", cmd.Command), slog.Bool("simulated", !configured))
	writeJSON(w, commandResponse{CommandResult: res, Simulated: !configured})
}

func (s *Server) handleSaveToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerID, ok := s.providerID(w, r)
	if !ok {
		return
	}
	if !s.registry.SupportsToken(providerID) {
		writeJSONError(w, "provider does not accept user tokens", http.StatusBadRequest)
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		writeJSONError(w, "token is required", http.StatusBadRequest)
		return
	}

	if err := s.credentials.Save(ctx, s.getUserID(r), providerID, req.Token); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save token", slog.String("providerID", providerID), slog.Any("error", err))
		writeJSONError(w, "failed to save token", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "saved token", slog.String("providerID", providerID))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerID, ok := s.providerID(w, r)
	if !ok {
		return
	}
	if err := s.credentials.Delete(ctx, s.getUserID(r), providerID); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to delete token", slog.String("providerID", providerID), slog.Any("error", err))
		writeJSONError(w, "failed to delete token", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "deleted token", slog.String("providerID", providerID))
	w.WriteHeader(http.StatusOK)
}
