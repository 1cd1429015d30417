package common

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/btcsuite/go-socks/socks"
	"github.com/pkg/errors"
)

const defaultHTTPTimeout = 30 * time.Second

// ClientPool hands out one http.Client per proxy so connections are reused
// across attempts of the same account.
type ClientPool struct {
	timeout time.Duration
	lock    sync.Mutex
	clients map[string]*http.Client
}

func NewClientPool(timeout time.Duration) *ClientPool {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &ClientPool{
		timeout: timeout,
		clients: map[string]*http.Client{},
	}
}

// ClientSource hands out the http client for a proxy descriptor.
type ClientSource interface {
	Get(proxy string) (*http.Client, error)
}

func (cp *ClientPool) Get(proxy string) (*http.Client, error) {
	cp.lock.Lock()
	defer cp.lock.Unlock()
	if c, ok := cp.clients[proxy]; ok {
		return c, nil
	}
	transport, err := NewProxyTransport(proxy)
	if err != nil {
		return nil, err
	}
	c := &http.Client{Transport: transport, Timeout: cp.timeout}
	cp.clients[proxy] = c
	return c, nil
}

// NewProxyTransport routes through an http(s) or socks5 proxy. An empty proxy
// gives a direct transport.
func NewProxyTransport(proxy string) (*http.Transport, error) {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	if proxy == "" {
		return transport, nil
	}
	u, err := url.Parse(proxy)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid proxy %q", proxy)
	}
	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "socks5":
		p := &socks.Proxy{Addr: u.Host}
		if u.User != nil {
			p.Username = u.User.Username()
			p.Password, _ = u.User.Password()
		}
		transport.Proxy = nil
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialContext(ctx, p.Dial, network, addr)
		}
	default:
		return nil, errors.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return transport, nil
}

// dialContext runs a dialer that has no context support and gives up once ctx
// is done. A connection that completes after that is closed.
func dialContext(ctx context.Context, dial func(network, addr string) (net.Conn, error), network, addr string) (net.Conn, error) {
	type dialed struct {
		conn net.Conn
		err  error
	}
	done := make(chan dialed, 1)
	go func() {
		conn, err := dial(network, addr)
		done <- dialed{conn, err}
	}()
	select {
	case d := <-done:
		return d.conn, d.err
	case <-ctx.Done():
		go func() {
			if d := <-done; d.conn != nil {
				d.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
