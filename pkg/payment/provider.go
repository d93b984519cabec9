package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/config"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/telemetry"
)

// LinkRequest asks the provider for a hosted payment page.
type LinkRequest struct {
	AmountCents int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Metadata    map[string]string `json:"metadata"`

	// IdempotencyKey is sent as a header, not in the body.
	IdempotencyKey string `json:"-"`
}

// Link is what the provider returns: its id and the URL sent to the customer.
type Link struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Provider mints payment links.
type Provider interface {
	CreatePaymentLink(ctx context.Context, req LinkRequest) (Link, error)
}

// RejectedError is a 4xx answer from the provider. Repeating the same request
// will not change it.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("payment provider rejected request: %d %s", e.StatusCode, e.Body)
}

// HTTPProvider talks JSON to the payment gateway at baseURL.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(cfg *config.PaymentSettings, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: cfg.CallTimeout}
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
	}
}

func (p *HTTPProvider) CreatePaymentLink(ctx context.Context, req LinkRequest) (link Link, err error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "CreatePaymentLink")
	span.SetAttributes(
		attribute.Int64("payment.amount_cents", req.AmountCents),
		attribute.String("payment.currency", req.Currency),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return Link{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/payment_links", bytes.NewReader(body))
	if err != nil {
		return Link{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	key := req.IdempotencyKey
	if key == "" && req.Metadata["order_number"] != "" {
		key = req.Metadata["order_number"] + "-" + fmt.Sprint(req.AmountCents)
	}
	if key != "" {
		httpReq.Header.Set("Idempotency-Key", key)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Link{}, fmt.Errorf("payment provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Link{}, fmt.Errorf("read payment provider response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return Link{}, &RejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	case resp.StatusCode >= 300:
		return Link{}, fmt.Errorf("payment provider returned %d", resp.StatusCode)
	}

	if err := json.Unmarshal(raw, &link); err != nil {
		return Link{}, fmt.Errorf("decode payment link: %w", err)
	}
	if link.ID == "" || link.URL == "" {
		return Link{}, fmt.Errorf("payment provider returned an incomplete link")
	}
	return link, nil
}
