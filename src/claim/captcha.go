package claim

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/jonboulle/clockwork"
	"github.com/onemorebsmith/strk-claimer/src/retry"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultCaptchaEndpoint = "https://2captcha.com"
	captchaNotReady        = "CAPCHA_NOT_READY"
	defaultSolveTimeout    = 3 * time.Minute
)

// Solver produces a recaptcha token for a page.
type Solver interface {
	Solve(ctx context.Context, pageURL, siteKey string) (string, error)
}

// TwoCaptcha talks the 2captcha in.php/res.php protocol. One Solve call is a
// single task; callers decide how often to retry.
type TwoCaptcha struct {
	endpoint     string
	apiKey       string
	client       *http.Client
	pollInterval time.Duration
	timeout      time.Duration
	clock        clockwork.Clock
	logger       *zap.Logger
}

type TwoCaptchaOption func(*TwoCaptcha)

func WithEndpoint(endpoint string) TwoCaptchaOption {
	return func(tc *TwoCaptcha) { tc.endpoint = endpoint }
}

func WithHTTPClient(client *http.Client) TwoCaptchaOption {
	return func(tc *TwoCaptcha) { tc.client = client }
}

func WithClock(clock clockwork.Clock) TwoCaptchaOption {
	return func(tc *TwoCaptcha) { tc.clock = clock }
}

func WithSolveTimeout(d time.Duration) TwoCaptchaOption {
	return func(tc *TwoCaptcha) { tc.timeout = d }
}

func NewTwoCaptcha(apiKey string, pollInterval time.Duration, logger *zap.Logger, opts ...TwoCaptchaOption) *TwoCaptcha {
	tc := &TwoCaptcha{
		endpoint:     DefaultCaptchaEndpoint,
		apiKey:       apiKey,
		client:       &http.Client{Timeout: 30 * time.Second},
		pollInterval: pollInterval,
		timeout:      defaultSolveTimeout,
		clock:        clockwork.NewRealClock(),
		logger:       logger.With(zap.String("component", "2captcha")),
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc
}

type captchaResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

func (tc *TwoCaptcha) get(ctx context.Context, path string, params url.Values) (*captchaResponse, error) {
	params.Set("key", tc.apiKey)
	params.Set("json", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tc.endpoint+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := tc.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "2captcha %s failed", path)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("2captcha %s returned %d", path, resp.StatusCode)
	}
	parsed := &captchaResponse{}
	if err := json.Unmarshal(raw, parsed); err != nil {
		return nil, errors.Wrapf(err, "malformed 2captcha %s response", path)
	}
	return parsed, nil
}

func (tc *TwoCaptcha) Solve(ctx context.Context, pageURL, siteKey string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, tc.timeout)
	defer cancel()

	task, err := tc.get(ctx, "/in.php", url.Values{
		"method":    {"userrecaptcha"},
		"googlekey": {siteKey},
		"pageurl":   {pageURL},
		"invisible": {"1"},
	})
	if err != nil {
		return "", err
	}
	if task.Status != 1 {
		return "", errors.Errorf("2captcha rejected task: %s", task.Request)
	}
	tc.logger.Debug("captcha task created", zap.String("task", task.Request))

	for {
		if err := retry.Sleep(ctx, tc.clock, tc.pollInterval); err != nil {
			return "", errors.Wrapf(err, "captcha task %s not solved", task.Request)
		}
		res, err := tc.get(ctx, "/res.php", url.Values{
			"action": {"get"},
			"id":     {task.Request},
		})
		if err != nil {
			return "", err
		}
		if res.Status == 1 {
			return res.Request, nil
		}
		if res.Request != captchaNotReady {
			return "", errors.Errorf("captcha task %s failed: %s", task.Request, res.Request)
		}
	}
}

// MockSolver hands out a fixed token.
type MockSolver struct {
	Token string
}

func (m MockSolver) Solve(context.Context, string, string) (string, error) {
	if m.Token == "" {
		return "mock-recaptcha-token", nil
	}
	return m.Token, nil
}
