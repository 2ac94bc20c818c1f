package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	providerTwilio    = "twilio"
	twilioAPIVersion  = "2010-04-01"
	defaultTwilioBase = "https://api.twilio.com"
)

// TwilioOptions configures the REST adapter.
type TwilioOptions struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	Timeout    time.Duration

	// HTTPClient overrides the default clients (tests).
	HTTPClient *http.Client
}

// TwilioClient talks to the Twilio REST API with plain net/http.
type TwilioClient struct {
	accountSID string
	authToken  string
	baseURL    *url.URL
	http       *http.Client
	// media streams recordings. Its only deadline is on response headers;
	// the body is bounded by the caller's context.
	media *http.Client
}

func NewTwilioClient(opts TwilioOptions) (*TwilioClient, error) {
	if opts.AccountSID == "" || opts.AuthToken == "" {
		return nil, errors.New("telephony: twilio account sid and auth token are required")
	}
	raw := opts.BaseURL
	if raw == "" {
		raw = defaultTwilioBase
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("telephony: invalid twilio base url %q", raw)
	}

	hc, media := opts.HTTPClient, opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}

		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.ResponseHeaderTimeout = timeout
		media = &http.Client{Transport: tr}
	}
	return &TwilioClient{accountSID: opts.AccountSID, authToken: opts.AuthToken, baseURL: base, http: hc, media: media}, nil
}

func (c *TwilioClient) Name() string { return providerTwilio }

// HealthCheck fetches the account resource, the cheapest authenticated call.
func (c *TwilioClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.accountURL(".json"), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

type twilioCallResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

func (c *TwilioClient) PlaceCall(ctx context.Context, in OutboundCall) (CallAccepted, error) {
	if in.To == "" || in.From == "" || in.VoiceURL == "" {
		return CallAccepted{}, rejected(providerTwilio, 0, "", "to, from and voice url are required")
	}

	form := url.Values{}
	form.Set("To", in.To)
	form.Set("From", in.From)
	form.Set("Url", in.VoiceURL)
	if in.StatusCallbackURL != "" {
		form.Set("StatusCallback", in.StatusCallbackURL)
		form.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}
	if in.Record {
		form.Set("Record", "true")
		if in.RecordingStatusCallbackURL != "" {
			form.Set("RecordingStatusCallback", in.RecordingStatusCallbackURL)
			form.Set("RecordingStatusCallbackEvent", "completed")
		}
	}

	var out twilioCallResource
	if err := c.postForm(ctx, "/Calls.json", form, &out); err != nil {
		return CallAccepted{}, err
	}
	if out.SID == "" {
		return CallAccepted{}, transient(providerTwilio, 0, "", "call accepted without sid", nil)
	}
	return CallAccepted{CallSID: out.SID, Status: out.Status}, nil
}

type twilioMessageResource struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Send submits an SMS.
func (c *TwilioClient) Send(ctx context.Context, msg OutboundMessage) (MessageAccepted, error) {
	if msg.To == "" || msg.From == "" {
		return MessageAccepted{}, rejected(providerTwilio, 0, "", "to and from are required")
	}
	if strings.TrimSpace(msg.Body) == "" {
		return MessageAccepted{}, rejected(providerTwilio, 0, "", "message body is empty")
	}

	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", msg.From)
	form.Set("Body", msg.Body)
	if msg.StatusCallbackURL != "" {
		form.Set("StatusCallback", msg.StatusCallbackURL)
	}

	var out twilioMessageResource
	if err := c.postForm(ctx, "/Messages.json", form, &out); err != nil {
		return MessageAccepted{}, err
	}
	if out.SID == "" {
		return MessageAccepted{}, transient(providerTwilio, 0, "", "message accepted without sid", nil)
	}
	return MessageAccepted{ProviderMessageID: out.SID, Status: out.Status}, nil
}

// FetchRecording opens the audio for a recording reference received on the
// recording-status webhook. Only URLs on the configured API host are fetched
// so account credentials never leave the provider. The stream lives as long
// as ctx; the REST timeout does not apply to it.
func (c *TwilioClient) FetchRecording(ctx context.Context, recordingURL string) (Recording, error) {
	u, err := url.Parse(strings.TrimSpace(recordingURL))
	if err != nil || u.Host == "" {
		return Recording{}, rejected(providerTwilio, 0, "", "invalid recording url")
	}
	if !strings.EqualFold(u.Host, c.baseURL.Host) || u.Scheme != c.baseURL.Scheme {
		return Recording{}, rejected(providerTwilio, 0, "", "recording url is not on the provider api host")
	}
	if path.Ext(u.Path) == "" {
		u.Path += ".mp3"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Recording{}, err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.media.Do(req)
	if err != nil {
		msg := "recording fetch failed"
		if IsTimeout(err) {
			msg = "recording fetch timed out"
		}
		return Recording{}, transient(providerTwilio, 0, "", msg, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return Recording{}, classify(resp)
	}
	return Recording{Body: resp.Body, ContentType: resp.Header.Get("Content-Type"), ContentLength: resp.ContentLength}, nil
}

func (c *TwilioClient) accountURL(suffix string) string {
	return c.baseURL.String() + "/" + twilioAPIVersion + "/Accounts/" + url.PathEscape(c.accountSID) + suffix
}

func (c *TwilioClient) postForm(ctx context.Context, resource string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.accountURL(resource), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *TwilioClient) do(req *http.Request, out any) error {
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		msg := "request failed"
		if IsTimeout(err) {
			msg = "request timed out"
		}
		return transient(providerTwilio, 0, "", msg, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return classify(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transient(providerTwilio, resp.StatusCode, "", "undecodable provider response", err)
	}
	return nil
}

type twilioErrorBody struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// classify maps an error response to the provider error taxonomy. 408, 429
// and 5xx are retryable; other 4xx are definitive.
func classify(resp *http.Response) *ProviderError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var eb twilioErrorBody
	_ = json.Unmarshal(body, &eb)

	code := ""
	if eb.Code != 0 {
		code = strconv.Itoa(eb.Code)
	}
	msg := eb.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return transient(providerTwilio, resp.StatusCode, code, msg, nil)
	default:
		return rejected(providerTwilio, resp.StatusCode, code, msg)
	}
}
