package telephony

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultAPIBase = "https://api.twilio.com/2010-04-01"

// RestClient is a hand-rolled Twilio REST client for the two endpoints this
// service calls. Requests use basic auth with the account SID and auth token.
type RestClient struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

func NewRestClient(accountSID, authToken string) *RestClient {
	return &RestClient{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    defaultAPIBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithBaseURL overrides the API endpoint, for tests.
func (c *RestClient) WithBaseURL(base string) *RestClient {
	c.baseURL = strings.TrimRight(base, "/")
	return c
}

// CreateUserDefinedMessage posts an application payload onto an in-progress
// call. The browser SDK surfaces it through the messageReceived event.
// Ref: https://www.twilio.com/docs/voice/api/userdefinedmessage-resource
func (c *RestClient) CreateUserDefinedMessage(ctx context.Context, callSID, content string) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s/UserDefinedMessages.json",
		c.baseURL, c.accountSID, url.PathEscape(callSID))
	form := url.Values{"Content": {content}}
	return c.postForm(ctx, endpoint, form)
}

// EndCall completes an in-progress call from the server side.
func (c *RestClient) EndCall(ctx context.Context, callSID string) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json",
		c.baseURL, c.accountSID, url.PathEscape(callSID))
	form := url.Values{"Status": {"completed"}}
	return c.postForm(ctx, endpoint, form)
}

// FetchRecording downloads call recording audio. Twilio serves WAV when the
// media URL is requested with a .wav extension.
func (c *RestClient) FetchRecording(ctx context.Context, recordingURL string) (io.ReadCloser, error) {
	if !strings.HasSuffix(recordingURL, ".wav") {
		recordingURL += ".wav"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL, nil)
	if err != nil {
		return nil, fmt.Errorf("telephony: build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telephony: %w", err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("telephony: fetch recording returned %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *RestClient) postForm(ctx context.Context, endpoint string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("telephony: build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telephony: %s returned %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
