package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"carecall-platform/internal/config"
	"carecall-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

const (
	twilioBaseURL = "https://api.twilio.com/2010-04-01"

	// dialCapKey is the shared counter for the platform-wide dial cap.
	dialCapKey = "telephony:dials"

	// dialCapTTL bounds how long a leaked slot (process crash mid-dial)
	// stays held.
	dialCapTTL = 2 * time.Minute
)

// TwilioProvider places calls through the Twilio REST API.
//
// The optional Redis-backed concurrency cap protects the account-level
// CPS/channel limits across all scheduler instances; an exhausted cap
// surfaces as ErrDialCapacity so the attempt lands in the busy retry path
// instead of failing terminally.
type TwilioProvider struct {
	accountSID string
	authToken  string
	from       string

	httpClient *http.Client

	rdb      *redis.Client
	maxDials int
}

func NewTwilioProvider(cfg config.ProviderConfig, rdb *redis.Client) *TwilioProvider {
	return &TwilioProvider{
		accountSID: cfg.TwilioAccountSID,
		authToken:  cfg.TwilioAuthToken,
		from:       cfg.TwilioFromNumber,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		rdb:        rdb,
		maxDials:   cfg.MaxConcurrentDials,
	}
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s.json", twilioBaseURL, p.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(p.accountSID, p.authToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("twilio health check: status %d", resp.StatusCode)
	}
	return nil
}

func (p *TwilioProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if req.Phone == "" {
		return PlaceCallResult{}, fmt.Errorf("telephony: phone is required")
	}

	if p.rdb != nil && p.maxDials > 0 {
		ok, err := utils.AcquireConcurrencyCap(ctx, p.rdb, dialCapKey, p.maxDials, dialCapTTL)
		if err != nil {
			return PlaceCallResult{}, fmt.Errorf("twilio dial cap: %w", err)
		}
		if !ok {
			return PlaceCallResult{}, ErrDialCapacity
		}
		defer func() {
			relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = utils.ReleaseConcurrencyCap(relCtx, p.rdb, dialCapKey)
		}()
	}

	form := url.Values{}
	form.Set("To", req.Phone)
	form.Set("From", p.from)
	// The voice application resolves conversation context by call id; the
	// record id rides along as a URL parameter.
	form.Set("Url", fmt.Sprintf("https://handler.twilio.com/care-call?call_id=%s", url.QueryEscape(req.CallID)))

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", twilioBaseURL, p.accountSID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return PlaceCallResult{}, err
	}
	httpReq.SetBasicAuth(p.accountSID, p.authToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return PlaceCallResult{}, fmt.Errorf("twilio place call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return PlaceCallResult{}, fmt.Errorf("twilio place call: status %d", resp.StatusCode)
	}

	var out struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PlaceCallResult{}, fmt.Errorf("twilio place call: decode: %w", err)
	}
	if out.SID == "" {
		return PlaceCallResult{}, fmt.Errorf("twilio place call: empty call sid")
	}
	return PlaceCallResult{ProviderSessionID: out.SID}, nil
}
