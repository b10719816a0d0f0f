package tools

import (
	"context"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"
)

type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewHTTPClient returns the client used by browser tools. Connections go
// through proxyAddr when it is set; "socks" is accepted for "socks5".
func NewHTTPClient(proxyAddr string) (*http.Client, error) {
	dialer := Dialer(&net.Dialer{})
	if proxyAddr != "" {
		u, err := url.Parse(proxyAddr)
		if err != nil {
			return nil, err
		}
		if u.Scheme == "socks" {
			u.Scheme = "socks5"
		}
		proxyDialer, err := proxy.FromURL(u, dialer)
		if err != nil {
			return nil, err
		}
		if d, ok := proxyDialer.(Dialer); ok {
			dialer = d
		} else {
			dialer = dialerFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
				return proxyDialer.Dial(network, addr)
			})
		}
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext: dialer.DialContext,
		},
	}, nil
}

type dialerFunc func(context.Context, string, string) (net.Conn, error)

var _ Dialer = dialerFunc(nil)

func (d dialerFunc) DialContext(ctx context.Context, network string, addr string) (net.Conn, error) {
	return d(ctx, network, addr)
}

func (d dialerFunc) Dial(network string, addr string) (net.Conn, error) {
	return d(context.Background(), network, addr)
}
