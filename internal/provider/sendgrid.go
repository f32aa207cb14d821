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

const sendgridBaseURL = "https://api.sendgrid.com"

// SendGrid sends through the SendGrid v3 mail API.
type SendGrid struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// SendGridConfig holds configuration for the SendGrid provider.
type SendGridConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewSendGrid creates a SendGrid provider with default settings.
func NewSendGrid(apiKey string) *SendGrid {
	return NewSendGridWithConfig(SendGridConfig{APIKey: apiKey})
}

// NewSendGridWithConfig creates a SendGrid provider with custom config.
func NewSendGridWithConfig(cfg SendGridConfig) *SendGrid {
	if cfg.BaseURL == "" {
		cfg.BaseURL = sendgridBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SendGrid{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Name identifies the provider in logs and send records.
func (s *SendGrid) Name() string { return "sendgrid" }

type sendgridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendgridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendgridRequest struct {
	Personalizations []struct {
		To []sendgridAddress `json:"to"`
	} `json:"personalizations"`
	From       sendgridAddress   `json:"from"`
	ReplyTo    *sendgridAddress  `json:"reply_to,omitempty"`
	Subject    string            `json:"subject"`
	Content    []sendgridContent `json:"content"`
	Categories []string          `json:"categories,omitempty"`
}

type sendgridError struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

// Send delivers one envelope via POST /v3/mail/send. SendGrid answers 202
// with the message id in the X-Message-Id header.
func (s *SendGrid) Send(ctx context.Context, env *Envelope) (*Result, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("sendgrid API key not configured")
	}

	payload := sendgridRequest{
		From:    sendgridAddress{Email: env.FromEmail, Name: env.FromName},
		Subject: env.Subject,
	}
	payload.Personalizations = make([]struct {
		To []sendgridAddress `json:"to"`
	}, 1)
	for _, to := range env.To {
		payload.Personalizations[0].To = append(payload.Personalizations[0].To, sendgridAddress{Email: to})
	}
	if env.ReplyTo != "" {
		payload.ReplyTo = &sendgridAddress{Email: env.ReplyTo}
	}
	// SendGrid requires text/plain before text/html.
	if env.Text != "" {
		payload.Content = append(payload.Content, sendgridContent{Type: "text/plain", Value: env.Text})
	}
	if env.HTML != "" {
		payload.Content = append(payload.Content, sendgridContent{Type: "text/html", Value: env.HTML})
	}
	for _, tag := range env.Tags {
		name, _ := splitTag(tag)
		payload.Categories = append(payload.Categories, name)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal sendgrid request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/v3/mail/send", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("create sendgrid request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sendgrid request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		var parsed sendgridError
		errMsg := string(respBody)
		if json.Unmarshal(respBody, &parsed) == nil && len(parsed.Errors) > 0 {
			errMsg = parsed.Errors[0].Message
		}
		return &Result{
			OK:        false,
			ErrorCode: fmt.Sprintf("%d", resp.StatusCode),
			Error:     errMsg,
			Class:     ClassifyStatus(resp.StatusCode),
		}, nil
	}

	return &Result{OK: true, ID: resp.Header.Get("X-Message-Id")}, nil
}
