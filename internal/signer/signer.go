package signer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"outreach-engine/internal/models"

	"go.uber.org/zap"
)

// DispatchError classifies a failed provider call. Permanent errors are
// never retried; transient ones go back through the retry supervisor.
type DispatchError struct {
	Permanent  bool
	StatusCode int
	Reason     string
}

func (e *DispatchError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s dispatch error (status %d): %s", kind, e.StatusCode, e.Reason)
}

// IsPermanent reports whether err is a dispatch rejection that must not
// be retried.
func IsPermanent(err error) bool {
	var de *DispatchError
	return errors.As(err, &de) && de.Permanent
}

// commandRequest is the wire body of one provider call.
type commandRequest struct {
	Command   string            `json:"command"`
	TargetURL string            `json:"targeturl"`
	UserID    string            `json:"userid"`
	Timestamp int64             `json:"timestamp"`
	Params    map[string]string `json:"params,omitempty"`
}

type commandResponse struct {
	MessageID string `json:"messageid"`
	Error     string `json:"error,omitempty"`
}

// Client builds and sends authenticated requests to the external
// automation API. It is stateless; the per-account secret is taken from
// the Account passed to Send.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Send issues one command and returns the provider's message id. The
// request body is signed with the account secret; the signature travels
// in the X-Signature header.
func (c *Client) Send(ctx context.Context, account *models.Account, cmd *models.Command) (string, error) {
	body, err := json.Marshal(commandRequest{
		Command:   string(cmd.Verb),
		TargetURL: cmd.TargetURL,
		UserID:    account.AccountID,
		Timestamp: time.Now().UTC().Unix(),
		Params:    cmd.Params,
	})
	if err != nil {
		return "", &DispatchError{Permanent: true, Reason: fmt.Sprintf("encode request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/commands", bytes.NewReader(body))
	if err != nil {
		return "", &DispatchError{Permanent: true, Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(account.Secret, body))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &DispatchError{Reason: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &DispatchError{StatusCode: resp.StatusCode, Reason: fmt.Sprintf("read response: %v", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		return "", &DispatchError{StatusCode: resp.StatusCode, Reason: "provider error"}
	case resp.StatusCode >= 400:
		// Auth failures and malformed targets are terminal.
		return "", &DispatchError{Permanent: true, StatusCode: resp.StatusCode, Reason: providerReason(respBody)}
	}

	var cr commandResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return "", &DispatchError{Permanent: true, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("decode response: %v", err)}
	}
	if cr.MessageID == "" {
		// A 2xx without a message id is still a rejection.
		return "", &DispatchError{Permanent: true, StatusCode: resp.StatusCode, Reason: "response missing messageid"}
	}

	c.logger.Debug("Command dispatched to provider",
		zap.String("account_id", account.AccountID),
		zap.String("command_id", cmd.CommandID),
		zap.String("message_id", cr.MessageID))

	return cr.MessageID, nil
}

// Sign computes the hex HMAC-SHA256 of body under the account secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func providerReason(body []byte) string {
	var cr commandResponse
	if err := json.Unmarshal(body, &cr); err == nil && cr.Error != "" {
		return cr.Error
	}
	return "provider rejected command"
}
