package commission

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrResolverRejected is a 400 from the allocation service. It ends the
	// attempt; resolution is not retried within it.
	ErrResolverRejected = errors.New("commission resolver rejected address")
	// ErrResolverStatus covers every other non-2xx answer.
	ErrResolverStatus = errors.New("commission resolver returned unexpected status")
)

// Resolver returns the commission destination for an account.
type Resolver interface {
	Resolve(ctx context.Context, address string) (string, error)
}

// FixedResolver always answers with the configured commission address.
type FixedResolver struct {
	Address string
}

func NewFixedResolver(address string) (*FixedResolver, error) {
	norm, err := model.NormalizeAddress(address)
	if err != nil {
		return nil, errors.Wrap(err, "invalid commission address")
	}
	return &FixedResolver{Address: norm}, nil
}

func (f *FixedResolver) Resolve(context.Context, string) (string, error) {
	return f.Address, nil
}

// ServerResolver asks the allocation service for a destination per account.
type ServerResolver struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewServerResolver(url string, client *http.Client, logger *zap.Logger) *ServerResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &ServerResolver{
		url:    url,
		client: client,
		logger: logger.Named("resolver"),
	}
}

type resolveRequest struct {
	Address string `json:"address"`
}

type resolveResponse struct {
	DepositAddress string `json:"deposit_address"`
}

func (s *ServerResolver) Resolve(ctx context.Context, address string) (string, error) {
	body, err := json.Marshal(resolveRequest{Address: address})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed building resolver request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "commission resolver request failed")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return "", errors.Wrapf(ErrResolverRejected, "%s", strings.TrimSpace(string(raw)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", errors.Wrapf(ErrResolverStatus, "%d %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	parsed := resolveResponse{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", errors.Wrap(err, "malformed commission resolver response")
	}
	dest, err := model.NormalizeAddress(parsed.DepositAddress)
	if err != nil {
		return "", errors.Wrap(err, "commission resolver returned an invalid address")
	}
	s.logger.Debug("resolved commission destination", zap.String("address", address), zap.String("destination", dest))
	return dest, nil
}
