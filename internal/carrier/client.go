package carrier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antoniostano/switchboard/internal/reliability"
)

// Call is the carrier's view of a call leg.
type Call struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// Client talks to the Twilio-style carrier REST API: form-encoded bodies,
// basic auth from the account sid and auth token, optional region/edge
// prefixes in the API host.
type Client struct {
	httpClient *http.Client
	accountSID string
	authToken  string
	region     string
	edge       string
	baseURL    string
	breaker    *reliability.Breaker

	retryAttempts  int
	retryBaseDelay time.Duration
}

type Config struct {
	AccountSID     string
	AuthToken      string
	Region         string
	Edge           string
	BreakerTrips   int
	BreakerReset   time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	BaseURL        string // test hook; empty means the real carrier API
}

func New(cfg Config) *Client {
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		accountSID:     strings.TrimSpace(cfg.AccountSID),
		authToken:      strings.TrimSpace(cfg.AuthToken),
		region:         strings.TrimSpace(cfg.Region),
		edge:           strings.TrimSpace(cfg.Edge),
		breaker:        reliability.NewBreaker(cfg.BreakerTrips, cfg.BreakerReset),
		retryAttempts:  attempts,
		retryBaseDelay: baseDelay,
	}
	c.baseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return c
}

func (c *Client) apiBase() string {
	if c.baseURL != "" {
		return c.baseURL + "/2010-04-01/Accounts/" + c.accountSID
	}
	regionPrefix := ""
	if c.region != "" {
		regionPrefix = c.region + "-"
	}
	edgePrefix := ""
	if c.edge != "" {
		edgePrefix = c.edge + "-"
	}
	return fmt.Sprintf("https://%sapi.%stwilio.com/2010-04-01/Accounts/%s", edgePrefix, regionPrefix, c.accountSID)
}

func (c *Client) authHeader() string {
	creds := c.accountSID + ":" + c.authToken
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	if err := c.breaker.Allow(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return &reliability.TransportError{Op: "POST " + endpoint, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return &reliability.AuthError{Message: "carrier rejected credentials"}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		c.breaker.RecordFailure()
		return &reliability.APIError{Status: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	c.breaker.RecordSuccess()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CreateCall dials an outbound call that will run the given TwiML and
// report status transitions to statusCallback.
func (c *Client) CreateCall(ctx context.Context, to, from, twiml, statusCallback string) (Call, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Twiml", twiml)
	form.Set("StatusCallback", statusCallback)
	form.Set("StatusCallbackEvent", "initiated answered completed busy no-answer canceled failed")
	form.Set("StatusCallbackMethod", "POST")
	form.Set("Timeout", "600")

	var call Call
	if err := c.postForm(ctx, c.apiBase()+"/Calls.json", form, &call); err != nil {
		return Call{}, err
	}
	return call, nil
}

// CreateCallWithRetry is CreateCall wrapped in the retry policy.
func (c *Client) CreateCallWithRetry(ctx context.Context, to, from, twiml, statusCallback string) (Call, error) {
	var call Call
	err := reliability.Retry(ctx, c.retryAttempts, c.retryBaseDelay, func(ctx context.Context) error {
		var opErr error
		call, opErr = c.CreateCall(ctx, to, from, twiml, statusCallback)
		return opErr
	})
	return call, err
}

// UpdateCall replaces the spoken script of a live call.
func (c *Client) UpdateCall(ctx context.Context, callSID, twiml string) error {
	form := url.Values{}
	form.Set("Twiml", twiml)
	return c.postForm(ctx, c.apiBase()+"/Calls/"+url.PathEscape(callSID)+".json", form, nil)
}

// UpdateCallWithRetry is UpdateCall wrapped in the retry policy.
func (c *Client) UpdateCallWithRetry(ctx context.Context, callSID, twiml string) error {
	return reliability.Retry(ctx, c.retryAttempts, c.retryBaseDelay, func(ctx context.Context) error {
		return c.UpdateCall(ctx, callSID, twiml)
	})
}

// ListPhoneNumbers returns the carrier records matching a phone number.
func (c *Client) ListPhoneNumbers(ctx context.Context, phoneNumber string) ([]map[string]any, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}
	endpoint := c.apiBase() + "/IncomingPhoneNumbers.json?PhoneNumber=" + url.QueryEscape(phoneNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader())

	res, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, &reliability.TransportError{Op: "GET " + endpoint, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		c.breaker.RecordFailure()
		return nil, &reliability.APIError{Status: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	c.breaker.RecordSuccess()

	var parsed struct {
		IncomingPhoneNumbers []map[string]any `json:"incoming_phone_numbers"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return parsed.IncomingPhoneNumbers, nil
}

// UpdatePhoneNumber points a provisioned number's voice webhook at us.
func (c *Client) UpdatePhoneNumber(ctx context.Context, phoneNumberSID, voiceURL string) error {
	form := url.Values{}
	form.Set("VoiceUrl", voiceURL)
	form.Set("VoiceMethod", "POST")
	return c.postForm(ctx, c.apiBase()+"/IncomingPhoneNumbers/"+url.PathEscape(phoneNumberSID)+".json", form, nil)
}
