// Package util provides shared helpers for outbound HTTP traffic.
package util

import (
	"context"
	"net"
	"net/http"
	"net/url"

	"github.com/un1t-gg/audial-agent/internal/config"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// SetProxy applies the configured proxy (SOCKS5 or HTTP/HTTPS) to the given
// HTTP client. When no proxy is configured or the URL cannot be parsed, the
// client is returned unchanged.
func SetProxy(cfg *config.Config, httpClient *http.Client) *http.Client {
	if cfg.ProxyURL == "" {
		return httpClient
	}
	var transport *http.Transport
	proxyURL, errParse := url.Parse(cfg.ProxyURL)
	if errParse == nil {
		if proxyURL.Scheme == "socks5" {
			username := proxyURL.User.Username()
			password, _ := proxyURL.User.Password()
			proxyAuth := &proxy.Auth{User: username, Password: password}
			dialer, errSOCKS5 := proxy.SOCKS5("tcp", proxyURL.Host, proxyAuth, proxy.Direct)
			if errSOCKS5 != nil {
				log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
				return httpClient
			}
			transport = &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				},
			}
		} else if proxyURL.Scheme == "http" || proxyURL.Scheme == "https" {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}
	if transport != nil {
		httpClient.Transport = transport
	}
	return httpClient
}
