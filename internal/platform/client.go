// Package platform talks to the messaging platform's send API and
// classifies its failures as retryable or permanent.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the outbound send API. Implementations must return a *SendError
// for platform-level failures so the dispatcher can classify them.
type Client interface {
	Send(ctx context.Context, recipientID, text string) (*SendResponse, error)
}

type SendResponse struct {
	PlatformMessageID string `json:"platform_message_id"`
}

// SendError is a platform-level send failure. Retryable distinguishes
// transient faults (timeouts, 5xx, rate limits) from permanent ones
// (invalid recipient, blocked user, bad token).
type SendError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *SendError) Error() string {
	return fmt.Sprintf("platform send failed: %s: %s", e.Code, e.Message)
}

// AsSendError unwraps err into a *SendError. Non-platform errors (context
// cancellation, programming errors) return ok=false.
func AsSendError(err error) (*SendError, bool) {
	var se *SendError
	ok := errors.As(err, &se)
	return se, ok
}

type HTTPClient struct {
	baseURL     string
	accessToken string
	client      *http.Client
}

func NewHTTPClient(baseURL, accessToken string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:     baseURL,
		accessToken: accessToken,
		client:      &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) Send(ctx context.Context, recipientID, text string) (*SendResponse, error) {
	body, err := json.Marshal(sendRequest{RecipientID: recipientID, Text: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &SendError{Code: "network_error", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out SendResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, &SendError{Code: "bad_response", Message: err.Error(), Retryable: true}
		}
		return &out, nil
	}

	var eb errorBody
	json.Unmarshal(raw, &eb)
	code := eb.Error.Code
	if code == "" {
		code = fmt.Sprintf("http_%d", resp.StatusCode)
	}
	msg := eb.Error.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return nil, &SendError{
		Code:      code,
		Message:   msg,
		Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
}
