/*
Copyright 2024 Edgewise, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	iotagent "github.com/edgewise/iot-agent"
)

// TLSConfig builds a tls.Config from the configured file paths.
// Returns nil when TLS is not configured.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if c.SSL == nil {
		return nil, nil
	}
	cfg := &tls.Config{
		InsecureSkipVerify: c.SSL.Insecure,
	}
	if c.SSL.CAFile != "" {
		pem, err := os.ReadFile(c.SSL.CAFile)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, trace.BadParameter("no certificates parsed from %v", c.SSL.CAFile)
		}
		cfg.RootCAs = pool
	}
	if c.SSL.CertFile != "" || c.SSL.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.SSL.CertFile, c.SSL.KeyFile)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// dialer returns the dialer for the broker connection, routed through
// the SOCKS5 proxy when one is configured. HTTP proxies cannot carry
// raw MQTT; the combination is logged and ignored.
func (c *Config) dialer(timeout time.Duration) (proxy.Dialer, error) {
	direct := &net.Dialer{Timeout: timeout}
	if c.Proxy == nil {
		return direct, nil
	}
	switch c.Proxy.Type {
	case ProxySOCKS5:
		var auth *proxy.Auth
		if c.Proxy.Username != "" {
			auth = &proxy.Auth{
				User:     c.Proxy.Username,
				Password: c.Proxy.Password,
			}
		}
		d, err := proxy.SOCKS5("tcp", c.Proxy.Addr(), auth, direct)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return d, nil
	default:
		log.WithField(iotagent.Component, iotagent.ComponentTransport).Warnf(
			"Proxy type %q is not supported for MQTT, connecting directly.", c.Proxy.Type)
		return direct, nil
	}
}

// HTTPTransport returns an http transport routing requests through the
// proxy. Unlike the MQTT path, HTTP CONNECT proxies work here.
func (p *ProxyConfig) HTTPTransport() (*http.Transport, error) {
	t := &http.Transport{}
	switch p.Type {
	case ProxyHTTP:
		u := &url.URL{Scheme: "http", Host: p.Addr()}
		if p.Username != "" {
			u.User = url.UserPassword(p.Username, p.Password)
		}
		t.Proxy = http.ProxyURL(u)
	case ProxySOCKS5:
		var auth *proxy.Auth
		if p.Username != "" {
			auth = &proxy.Auth{
				User:     p.Username,
				Password: p.Password,
			}
		}
		d, err := proxy.SOCKS5("tcp", p.Addr(), auth, &net.Dialer{})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if cd, ok := d.(proxy.ContextDialer); ok {
			t.DialContext = cd.DialContext
		} else {
			t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return d.Dial(network, addr)
			}
		}
	default:
		return nil, trace.BadParameter("unsupported proxy type %q", p.Type)
	}
	return t, nil
}

// dial opens the broker connection, wrapping it in TLS when
// configured.
func (c *Config) dial(timeout time.Duration) (net.Conn, error) {
	d, err := c.dialer(timeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to dial %v", addr)
	}
	tlsCfg, err := c.TLSConfig()
	if err != nil {
		conn.Close()
		return nil, trace.Wrap(err)
	}
	if tlsCfg != nil {
		tlsCfg.ServerName = c.Host
		conn = tls.Client(conn, tlsCfg)
	}
	return conn, nil
}
