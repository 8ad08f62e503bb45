package integration

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
	"strings"
	"unicode/utf8"

	"github.com/plugwatch/plugwatch/pkg/common"
	"github.com/plugwatch/plugwatch/pkg/log"
	"github.com/plugwatch/plugwatch/pkg/types"
)

// maxBodyBytes caps how much of a vendor response is read.
const maxBodyBytes = 4 << 20

// vendorClient is the bearer-token JSON client shared by the adapters.
type vendorClient struct {
	provider string
	client   *http.Client
	baseURL  string
	token    string
}

func (c *vendorClient) newRequest(ctx context.Context, method, endpoint string, data interface{}) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	ep, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	u = u.JoinPath(ep.Path)
	u.RawQuery = ep.RawQuery

	var body io.Reader
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	common.SetBearer(req, c.token)
	return req, nil
}

// do sends req and returns the response body. Transport errors and 5xx
// responses are ErrProviderUnavailable, 401 and 403 are ErrNotConfigured and
// any other non-2xx response is rejectKind carrying the vendor's message.
func (c *vendorClient) do(req *http.Request, rejectKind error) ([]byte, error) {
	ctx := req.Context()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, types.NewIntegrationError(types.ErrProviderUnavailable, c.provider, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, types.NewIntegrationError(types.ErrProviderUnavailable, c.provider, "", fmt.Errorf("failed to read body: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		log.Ctx(ctx).WarnContext(ctx, "vendor rejected token", slog.String("provider", c.provider), slog.Int("status", resp.StatusCode))
		return nil, types.NewIntegrationError(types.ErrNotConfigured, c.provider, "token rejected", nil)
	case resp.StatusCode >= 500:
		return nil, types.NewIntegrationError(types.ErrProviderUnavailable, c.provider, "", fmt.Errorf("status %d", resp.StatusCode))
	default:
		msg := vendorMessage(body)
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		log.Ctx(ctx).WarnContext(ctx, "vendor api error", slog.String("provider", c.provider), slog.Int("status", resp.StatusCode), slog.String("message", msg))
		return nil, types.NewIntegrationError(rejectKind, c.provider, msg, nil)
	}
}

// getJSON fetches endpoint and decodes it into dest, returning the raw body.
func (c *vendorClient) getJSON(ctx context.Context, endpoint string, dest interface{}) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req, types.ErrProviderUnavailable)
	if err != nil {
		return nil, err
	}
	if dest != nil {
		if err := json.Unmarshal(body, dest); err != nil {
			return nil, types.NewIntegrationError(types.ErrProviderUnavailable, c.provider, "", fmt.Errorf("failed to decode %s: %w", endpoint, err))
		}
	}
	return body, nil
}

// maxMessageBytes caps non-JSON vendor messages.
const maxMessageBytes = 200

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// vendorMessage pulls a human readable message out of an error body. It
// understands {"error":{"message":...,"details":[...]}} and {"message":...}.
func vendorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   *struct {
			Message string `json:"message"`
			Details []struct {
				Message string `json:"message"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return truncate(strings.TrimSpace(string(body)), maxMessageBytes)
	}
	if e.Error != nil {
		msgs := []string{}
		if e.Error.Message != "" {
			msgs = append(msgs, e.Error.Message)
		}
		for _, d := range e.Error.Details {
			if d.Message != "" {
				msgs = append(msgs, d.Message)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return e.Message
}

// optFloat decodes a JSON number or numeric string and ignores anything else.
type optFloat struct {
	v   float64
	set bool
}

func (f *optFloat) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		f.v, f.set = n, true
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			f.v, f.set = n, true
		}
	}
	return nil
}

func (f optFloat) ptr() *float64 {
	if !f.set {
		return nil
	}
	v := f.v
	return &v
}

// parseSwitch maps "on" and "off" and returns nil for anything else.
func parseSwitch(s string) *bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on":
		v := true
		return &v
	case "off":
		v := false
		return &v
	default:
		return nil
	}
}
