package kliko

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

	appLog "klikocal/internal/log"
)

const (
	LoginPath         = "/MyKliko/loginWithPassword"
	WasteCalendarPath = "/MyKliko/getMyWasteCalendar"

	// DefaultTimeout bounds each call so a stalled service fails the cycle
	// instead of hanging it.
	DefaultTimeout = 15 * time.Second

	// maxBodyBytes caps how much of a response body is read.
	maxBodyBytes = 4 << 20
)

// Client talks to the MyKliko API of a Kliko container manager host.
// It is safe for concurrent use; the underlying http.Client is shared.
type Client struct {
	client *http.Client
	scheme string
}

// NewClient creates a Client on top of httpClient. A nil httpClient gets a
// dedicated client with DefaultTimeout. A client without a timeout gets
// DefaultTimeout applied to a copy.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	} else if httpClient.Timeout <= 0 {
		c := *httpClient
		c.Timeout = DefaultTimeout
		httpClient = &c
	}
	return &Client{client: httpClient, scheme: "https"}
}

// Login performs loginWithPassword and returns a fresh session token.
//
// Failure modes:
//   - ErrInvalidRequest: a credential field is empty (no request is sent)
//   - ErrAuth: the service answered with a falsy success flag
//   - ErrAPI: transport error, undecodable body, or no token in the answer
func (c *Client) Login(ctx context.Context, creds Credentials) (LoginResult, error) {
	const op = "loginWithPassword"

	if err := requireFields(op,
		"card number", creds.CardNumber,
		"password", creds.Password,
		"host", creds.Host,
		"client name", creds.ClientName,
		"app", creds.App,
	); err != nil {
		return LoginResult{}, err
	}

	payload := map[string]string{
		"cardNumber": creds.CardNumber,
		"password":   creds.Password,
		"clientName": creds.ClientName,
		"app":        creds.App,
		"deviceId":   "",
	}

	var resp loginResponse
	if err := c.post(ctx, op, creds.Host, LoginPath, payload, &resp); err != nil {
		return LoginResult{}, err
	}

	if !truthy(resp.Success) {
		return LoginResult{}, authError(op, errors.New("success flag is false"))
	}
	if resp.Token == nil || *resp.Token == "" {
		return LoginResult{}, apiError(op, fmt.Errorf("token: %w", errMissingKey))
	}

	appLog.Debug("kliko login succeeded",
		"host", creds.Host,
		"card", appLog.MaskCard(creds.CardNumber),
	)

	return LoginResult{
		Token:  *resp.Token,
		Config: decodeAccountConfig(resp.Config),
	}, nil
}

// FetchWasteCalendar performs getMyWasteCalendar with a token obtained by
// Login in the same cycle. It does not retry.
func (c *Client) FetchWasteCalendar(ctx context.Context, host, token, clientName, app string) (*CalendarResponse, error) {
	const op = "getMyWasteCalendar"

	if err := requireFields(op,
		"host", host,
		"token", token,
		"client name", clientName,
		"app", app,
	); err != nil {
		return nil, err
	}

	payload := map[string]string{
		"token":      token,
		"clientName": clientName,
		"app":        app,
		"deviceId":   "",
	}

	var raw map[string]json.RawMessage
	if err := c.post(ctx, op, host, WasteCalendarPath, payload, &raw); err != nil {
		return nil, err
	}

	for _, key := range []string{"dates", "fractions"} {
		if _, ok := raw[key]; !ok {
			return nil, apiError(op, fmt.Errorf("%s: %w", key, errMissingKey))
		}
	}

	var out CalendarResponse
	if err := json.Unmarshal(raw["dates"], &out.Dates); err != nil {
		return nil, apiError(op, fmt.Errorf("decode dates: %w", err))
	}
	if err := json.Unmarshal(raw["fractions"], &out.Fractions); err != nil {
		return nil, apiError(op, fmt.Errorf("decode fractions: %w", err))
	}

	appLog.Info("kliko waste calendar fetched",
		"host", host,
		"dates", len(out.Dates),
		"fractions", len(out.Fractions),
	)

	return &out, nil
}

// post sends payload as JSON and decodes the JSON answer into out. The body
// is decoded regardless of the status code: the service reports failed
// logins in the body, and a non-JSON error page fails the decode.
func (c *Client) post(ctx context.Context, op, host, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apiError(op, err)
	}

	endpoint := c.scheme + "://" + host + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return apiError(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return apiError(op, fmt.Errorf("request to %s failed: %w", host, unwrapURLError(err)))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return apiError(op, fmt.Errorf("read body: %w", err))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return apiError(op, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err))
	}
	return nil
}

func requireFields(op string, kv ...string) error {
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			return &Error{Op: op, Kind: ErrInvalidRequest, Err: fmt.Errorf("%s is required", kv[i])}
		}
	}
	return nil
}

// unwrapURLError strips the *url.Error wrapper, whose message repeats the
// full request URL.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err
	}
	return err
}
