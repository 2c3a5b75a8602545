package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/approval-relay/internal/domain"
)

const defaultWebhookTimeout = 10 * time.Second

type sendRequest struct {
	Target  int64           `json:"target"`
	Text    string          `json:"text"`
	Actions []domain.Action `json:"actions,omitempty"`
}

type sendResponse struct {
	Handle string `json:"handle"`
}

type updateRequest struct {
	Handle  string          `json:"handle"`
	Text    string          `json:"text"`
	Actions []domain.Action `json:"actions,omitempty"`
}

type subjectRequest struct {
	SubjectID int64 `json:"subjectId"`
}

// webhookClient posts JSON commands to a bot bridge endpoint.
type webhookClient struct {
	client   *resty.Client
	endpoint string
}

func newWebhookClient(endpoint string, client *resty.Client) (*webhookClient, error) {
	trimmedEndpoint := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &webhookClient{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func defaultRestyClient() *resty.Client {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)
	return client
}

func (w *webhookClient) post(ctx context.Context, op string, path string, body any, result any) error {
	if w == nil || w.client == nil {
		return fmt.Errorf("webhook client is not initialized")
	}

	req := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if result != nil {
		req.SetResult(result)
	}

	response, err := req.Post(w.endpoint + path)
	if err != nil {
		return &DeliveryError{
			Op:        op,
			Message:   "request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return &DeliveryError{
			Op:        op,
			Message:   "empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}

	responseBody := strings.TrimSpace(response.String())
	reason := classifyRefusal(responseBody)
	return &DeliveryError{
		Op:         op,
		StatusCode: statusCode,
		Reason:     reason,
		Message:    errorMessage(statusCode, responseBody),
		Transient:  reason == ReasonThrottled || isTransientHTTPStatus(statusCode),
	}
}

// WebhookMessenger sends and edits reviewer prompts through a bot bridge.
type WebhookMessenger struct {
	hook *webhookClient
}

func NewWebhookMessenger(endpoint string) (*WebhookMessenger, error) {
	return NewWebhookMessengerWithClient(endpoint, defaultRestyClient())
}

func NewWebhookMessengerWithClient(endpoint string, client *resty.Client) (*WebhookMessenger, error) {
	hook, err := newWebhookClient(endpoint, client)
	if err != nil {
		return nil, err
	}
	return &WebhookMessenger{hook: hook}, nil
}

func (m *WebhookMessenger) Send(ctx context.Context, target int64, content domain.Content) (string, error) {
	if m == nil {
		return "", fmt.Errorf("messenger is not initialized")
	}
	if target == 0 {
		return "", &DeliveryError{Op: "send", Message: "target is required"}
	}

	var resp sendResponse
	err := m.hook.post(ctx, "send", "/send", sendRequest{
		Target:  target,
		Text:    content.Text,
		Actions: content.Actions,
	}, &resp)
	if err != nil {
		return "", err
	}

	handle := strings.TrimSpace(resp.Handle)
	if handle == "" {
		return "", &DeliveryError{Op: "send", Message: "bridge returned no message handle"}
	}
	return handle, nil
}

func (m *WebhookMessenger) Update(ctx context.Context, handle string, content domain.Content) error {
	if m == nil {
		return fmt.Errorf("messenger is not initialized")
	}
	if strings.TrimSpace(handle) == "" {
		return &DeliveryError{Op: "update", Message: "handle is required"}
	}

	err := m.hook.post(ctx, "update", "/update", updateRequest{
		Handle:  handle,
		Text:    content.Text,
		Actions: content.Actions,
	}, nil)
	if ReasonOf(err) == ReasonNotModified {
		// Replayed edits land on copies that already show the outcome.
		return nil
	}
	return err
}

// WebhookGatekeeper approves or declines the subject on the protected resource.
type WebhookGatekeeper struct {
	hook *webhookClient
}

func NewWebhookGatekeeper(endpoint string) (*WebhookGatekeeper, error) {
	return NewWebhookGatekeeperWithClient(endpoint, defaultRestyClient())
}

func NewWebhookGatekeeperWithClient(endpoint string, client *resty.Client) (*WebhookGatekeeper, error) {
	hook, err := newWebhookClient(endpoint, client)
	if err != nil {
		return nil, err
	}
	return &WebhookGatekeeper{hook: hook}, nil
}

func (g *WebhookGatekeeper) Grant(ctx context.Context, subjectID int64) error {
	if g == nil {
		return fmt.Errorf("gatekeeper is not initialized")
	}
	return g.hook.post(ctx, "grant", "/grant", subjectRequest{SubjectID: subjectID}, nil)
}

func (g *WebhookGatekeeper) Deny(ctx context.Context, subjectID int64) error {
	if g == nil {
		return fmt.Errorf("gatekeeper is not initialized")
	}
	return g.hook.post(ctx, "deny", "/deny", subjectRequest{SubjectID: subjectID}, nil)
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func errorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("bridge returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
