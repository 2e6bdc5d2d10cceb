package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/glowdesk/concierge/pkg/resilience"
)

// HTTPProvider talks to a REST scheduling backend. Non-2xx responses are
// surfaced as resilience.StatusError so the retry layer can classify them;
// undecodable bodies are marked permanent.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider creates a provider client for the given base URL.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) SearchAvailability(ctx context.Context, tenant string, req SearchRequest) ([]Slot, error) {
	var out struct {
		Slots []Slot `json:"slots"`
	}
	err := p.do(ctx, http.MethodPost, "/v1/"+url.PathEscape(tenant)+"/availability/search", req, "", &out)
	if err != nil {
		return nil, err
	}
	return out.Slots, nil
}

func (p *HTTPProvider) CreateReservation(ctx context.Context, tenant string, req CreateRequest, idempotencyKey string) (*Reservation, error) {
	var out Reservation
	err := p.do(ctx, http.MethodPost, "/v1/"+url.PathEscape(tenant)+"/reservations", req, idempotencyKey, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProvider) CancelReservation(ctx context.Context, tenant string, req CancelRequest, idempotencyKey string) error {
	path := "/v1/" + url.PathEscape(tenant) + "/reservations/" + url.PathEscape(req.ReservationID) + "/cancel"
	return p.do(ctx, http.MethodPost, path, nil, idempotencyKey, nil)
}

func (p *HTTPProvider) ListOfferings(ctx context.Context, tenant string) ([]Offering, error) {
	var out struct {
		Offerings []Offering `json:"offerings"`
	}
	err := p.do(ctx, http.MethodGet, "/v1/"+url.PathEscape(tenant)+"/offerings", nil, "", &out)
	if err != nil {
		return nil, err
	}
	return out.Offerings, nil
}

func (p *HTTPProvider) FindByKey(ctx context.Context, tenant, idempotencyKey string) (*Reservation, error) {
	var out Reservation
	path := "/v1/" + url.PathEscape(tenant) + "/reservations/by-key/" + url.PathEscape(idempotencyKey)
	err := p.do(ctx, http.MethodGet, path, nil, "", &out)
	if err != nil {
		var status *resilience.StatusError
		if errors.As(err, &status) && status.Code == http.StatusNotFound {
			return nil, nil // no prior creation under this key
		}
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProvider) ListUpcoming(ctx context.Context, tenant string, within time.Duration) ([]Reservation, error) {
	var out struct {
		Reservations []Reservation `json:"reservations"`
	}
	path := fmt.Sprintf("/v1/%s/reservations/upcoming?within=%s", url.PathEscape(tenant), url.QueryEscape(within.String()))
	err := p.do(ctx, http.MethodGet, path, nil, "", &out)
	if err != nil {
		return nil, err
	}
	return out.Reservations, nil
}

// do performs one JSON round trip.
func (p *HTTPProvider) do(ctx context.Context, method, path string, body interface{}, idempotencyKey string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err // network-level; classifier treats as transient
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &resilience.StatusError{Code: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilience.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Compile-time verification
var _ Provider = (*HTTPProvider)(nil)
