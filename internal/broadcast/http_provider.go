package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPProvider talks to the streaming platform's control API.
type HTTPProvider struct {
	config Config
}

type issueKeyRequest struct {
	SessionID string `json:"sessionId,omitempty"`
}

type issueKeyResponse struct {
	StreamKey string `json:"streamKey"`
}

func (p *HTTPProvider) IssueKey(ctx context.Context, params IssueParams) (KeyGrant, error) {
	if params.ProviderChannelID == "" {
		return KeyGrant{}, fmt.Errorf("providerChannelID is required")
	}
	var response issueKeyResponse
	endpoint := fmt.Sprintf("%s/v1/channels/%s/keys", p.base(), url.PathEscape(params.ProviderChannelID))
	if err := p.post(ctx, endpoint, issueKeyRequest{SessionID: params.SessionID}, &response); err != nil {
		return KeyGrant{}, err
	}
	if response.StreamKey == "" {
		return KeyGrant{}, fmt.Errorf("provider returned an empty stream key")
	}
	return KeyGrant{StreamKey: response.StreamKey}, nil
}

func (p *HTTPProvider) RevokeKey(ctx context.Context, providerChannelID string) error {
	if providerChannelID == "" {
		return fmt.Errorf("providerChannelID is required")
	}
	endpoint := fmt.Sprintf("%s/v1/channels/%s/keys", p.base(), url.PathEscape(providerChannelID))
	return p.delete(ctx, endpoint)
}

func (p *HTTPProvider) ProvisionChannel(ctx context.Context, params ProvisionParams) (ProvisionResult, error) {
	var result ProvisionResult
	if err := p.post(ctx, p.base()+"/v1/channels", params, &result); err != nil {
		return ProvisionResult{}, err
	}
	if result.ProviderChannelID == "" || result.IngestEndpoint == "" || result.PlaybackEndpoint == "" {
		return ProvisionResult{}, fmt.Errorf("provider returned an incomplete channel: %+v", result)
	}
	return result, nil
}

func (p *HTTPProvider) HealthChecks(ctx context.Context) []HealthStatus {
	status := HealthStatus{Component: "provider"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base()+"/healthz", nil)
	if err != nil {
		status.Status = "error"
		status.Detail = err.Error()
		return []HealthStatus{status}
	}
	p.authorize(req)
	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		status.Status = "error"
		status.Detail = err.Error()
		return []HealthStatus{status}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		status.Status = "ok"
	} else {
		status.Status = "error"
		status.Detail = resp.Status
	}
	return []HealthStatus{status}
}

func (p *HTTPProvider) base() string {
	return strings.TrimRight(p.config.BaseURL, "/")
}

func (p *HTTPProvider) authorize(req *http.Request) {
	if p.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.Token)
	}
}

func (p *HTTPProvider) post(ctx context.Context, endpoint string, payload interface{}, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)
	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return err
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func (p *HTTPProvider) delete(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	p.authorize(req)
	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	// Revoking a key that does not exist is fine.
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return classifyStatus(resp)
}

// classifyStatus maps 5xx responses to ErrUnavailable and other non-2xx
// responses to plain errors.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(resp.Body)
	detail := strings.TrimSpace(string(data))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, resp.Status, detail)
	}
	return fmt.Errorf("provider rejected request: %s: %s", resp.Status, detail)
}
