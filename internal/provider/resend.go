package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const resendBaseURL = "https://api.resend.com"

// Resend sends through the Resend transactional API.
type Resend struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// ResendConfig holds configuration for the Resend provider.
type ResendConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewResend creates a Resend provider with default settings.
func NewResend(apiKey string) *Resend {
	return NewResendWithConfig(ResendConfig{APIKey: apiKey})
}

// NewResendWithConfig creates a Resend provider with custom config.
func NewResendWithConfig(cfg ResendConfig) *Resend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = resendBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Resend{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Name identifies the provider in logs and send records.
func (r *Resend) Name() string { return "resend" }

type resendTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type resendRequest struct {
	From    string      `json:"from"`
	To      []string    `json:"to"`
	ReplyTo string      `json:"reply_to,omitempty"`
	Subject string      `json:"subject"`
	HTML    string      `json:"html,omitempty"`
	Text    string      `json:"text,omitempty"`
	Tags    []resendTag `json:"tags,omitempty"`
}

type resendResponse struct {
	ID         string `json:"id"`
	StatusCode int    `json:"statusCode"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

// Send delivers one envelope via POST /emails.
func (r *Resend) Send(ctx context.Context, env *Envelope) (*Result, error) {
	if r.apiKey == "" {
		return nil, fmt.Errorf("resend API key not configured")
	}

	payload := resendRequest{
		From:    FormatFrom(env.FromName, env.FromEmail),
		To:      env.To,
		ReplyTo: env.ReplyTo,
		Subject: env.Subject,
		HTML:    env.HTML,
		Text:    env.Text,
	}
	for _, tag := range env.Tags {
		name, value := splitTag(tag)
		payload.Tags = append(payload.Tags, resendTag{Name: name, Value: value})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal resend request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/emails", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("create resend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resend request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read resend response: %w", err)
	}

	var parsed resendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil && resp.StatusCode < 300 {
		return nil, fmt.Errorf("decode resend response: %w", err)
	}

	if resp.StatusCode >= 300 {
		errMsg := parsed.Message
		if errMsg == "" {
			errMsg = string(respBody)
		}
		return &Result{
			OK:        false,
			ErrorCode: fmt.Sprintf("%d", resp.StatusCode),
			Error:     errMsg,
			Class:     ClassifyStatus(resp.StatusCode),
		}, nil
	}

	return &Result{OK: true, ID: parsed.ID}, nil
}
