package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is an HTTP client for the PSTN provider's REST API. The provider
// speaks the Twilio-compatible form-encoded dialect.
type Client struct {
	httpClient *http.Client
	baseURL    string
	account    string
	secret     string
	from       string
}

// NewClient creates a provider client.
// baseURL is the provider API root (e.g. "https://api.provider.com/2010-04-01").
// from is the caller ID used for outbound calls and SMS, E.164.
func NewClient(baseURL, account, secret, from string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		account:    account,
		secret:     secret,
		from:       from,
	}
}

// Configured returns true if the client has credentials and a caller ID.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.account != "" && c.secret != "" && c.from != ""
}

// callResponse is the provider's call resource.
type callResponse struct {
	Sid    string `json:"sid"`
	Status string `json:"status"`
}

// PlaceCall asks the provider to dial the patient. answerURL is fetched by
// the provider when the call connects and must serve the voice document;
// statusURL receives lifecycle callbacks. Returns the provider call SID.
// A transport failure is retried once before giving up.
func (c *Client) PlaceCall(ctx context.Context, to, answerURL, statusURL string, ringTimeout time.Duration) (string, error) {
	form := url.Values{}
	form.Set("From", c.from)
	form.Set("To", to)
	form.Set("Url", answerURL)
	form.Set("Method", "POST")
	form.Set("Timeout", strconv.Itoa(int(ringTimeout.Seconds())))
	form.Set("StatusCallback", statusURL)
	form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	form.Set("StatusCallbackMethod", "POST")

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
			}
		}
		var call callResponse
		lastErr = c.postForm(ctx, "/Accounts/"+c.account+"/Calls.json", form, &call)
		if lastErr == nil {
			slog.Info("call placed", "call_sid", call.Sid, "to", to)
			return call.Sid, nil
		}
	}
	return "", fmt.Errorf("placing call: %w", lastErr)
}

// Hangup asks the provider to end a call. Safe to call for calls that have
// already ended: a 404 means the call is gone and counts as success. One
// transport retry, then the error is logged and swallowed since the call
// will time out provider-side anyway.
func (c *Client) Hangup(ctx context.Context, callSid string) {
	form := url.Values{}
	form.Set("Status", "completed")
	path := "/Accounts/" + c.account + "/Calls/" + callSid + ".json"

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		lastErr = c.postForm(ctx, path, form, nil)
		if lastErr == nil || isNotFound(lastErr) {
			return
		}
	}
	slog.Warn("hangup failed, relying on provider timeout", "call_sid", callSid, "error", lastErr)
}

// SendSMS sends a text message through the provider. Used by the alert
// fan-out for the sms transport.
func (c *Client) SendSMS(ctx context.Context, to, body string) error {
	form := url.Values{}
	form.Set("From", c.from)
	form.Set("To", to)
	form.Set("Body", body)
	if err := c.postForm(ctx, "/Accounts/"+c.account+"/Messages.json", form, nil); err != nil {
		return fmt.Errorf("sending sms: %w", err)
	}
	return nil
}

// apiError distinguishes provider status codes from transport errors.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.status, e.body)
}

func isNotFound(err error) bool {
	ae, ok := err.(*apiError)
	return ok && ae.status == http.StatusNotFound
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.account, c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
