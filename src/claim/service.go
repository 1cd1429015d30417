package claim

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/onemorebsmith/strk-claimer/src/common"
	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrClaimRejected is any non-2xx answer from the claim service.
var ErrClaimRejected = errors.New("claim rejected")

// Claimer submits the claim for one account.
type Claimer interface {
	Claim(ctx context.Context, acct *model.Account, captchaToken string) error
}

// Service posts claims to the provisions endpoint through the account's proxy.
type Service struct {
	url     string
	clients common.ClientSource
	logger  *zap.Logger
}

func NewService(claimURL string, clients common.ClientSource, logger *zap.Logger) *Service {
	return &Service{
		url:     claimURL,
		clients: clients,
		logger:  logger.With(zap.String("component", "claim_service")),
	}
}

type claimRequest struct {
	Identity  string `json:"identity"`
	Recipient string `json:"recipient"`
}

func (s *Service) headers(req *http.Request, token string) {
	origin := s.url
	if u, err := url.Parse(s.url); err == nil {
		origin = u.Scheme + "://" + u.Host
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", origin)
	req.Header.Set("Referer", origin+"/")
	req.Header.Set("Sec-Ch-Ua", `"Not A(Brand";v="99", "Google Chrome";v="121", "Chromium";v="121"`)
	req.Header.Set("Sec-Ch-Ua-Mobile", "?0")
	req.Header.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.Header.Set("X-Recaptcha-Token", token)
}

func (s *Service) Claim(ctx context.Context, acct *model.Account, captchaToken string) error {
	client, err := s.clients.Get(acct.Proxy)
	if err != nil {
		return errors.Wrapf(err, "no http client for %s", acct.Address)
	}
	body, err := json.Marshal(claimRequest{Identity: acct.Address, Recipient: acct.Address})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed building claim request")
	}
	s.headers(req, captchaToken)

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "claim request for %s failed", acct.Address)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Wrapf(ErrClaimRejected, "%s: %s %s", acct.Address, resp.Status, strings.TrimSpace(string(raw)))
	}
	s.logger.Info("claimed", zap.String("address", acct.Address), zap.Int("status", resp.StatusCode))
	return nil
}

// MockService accepts every claim. OnClaim, when set, runs after each one.
type MockService struct {
	lock    sync.Mutex
	claimed []string
	OnClaim func(acct *model.Account)
}

func (m *MockService) Claim(_ context.Context, acct *model.Account, _ string) error {
	m.lock.Lock()
	m.claimed = append(m.claimed, acct.Address)
	hook := m.OnClaim
	m.lock.Unlock()
	if hook != nil {
		hook(acct)
	}
	return nil
}

func (m *MockService) Claimed() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]string(nil), m.claimed...)
}
