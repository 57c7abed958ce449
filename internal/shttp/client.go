// Package shttp wraps net/http with the connection-pool and timeout
// defaults this pipeline relies on for upstream calls.
package shttp

import (
	"net/http"
	"time"
)

// ClientConfig tunes the transport behind a shared HTTP client.
type ClientConfig struct {
	Timeout                time.Duration
	MaxRetries              int
	DisableSSLVerification  bool
	MaxIdleConns            int
	IdleConnTimeout         time.Duration
	TLSHandshakeTimeout     time.Duration
	ResponseHeaderTimeout   time.Duration
}

// DefaultClientConfig matches the spec's upstream RPC timeout (30s) and
// per-page retry count (3).
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:               30 * time.Second,
		MaxRetries:             3,
		MaxIdleConns:           10,
		IdleConnTimeout:        90 * time.Second,
		TLSHandshakeTimeout:    10 * time.Second,
		ResponseHeaderTimeout:  30 * time.Second,
	}
}

func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          cfg.MaxIdleConns,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

func NewClientWithTimeout(timeout time.Duration) *http.Client {
	cfg := DefaultClientConfig()
	cfg.Timeout = timeout
	return NewClient(cfg)
}

func NewDefaultClient() *http.Client {
	return NewClient(DefaultClientConfig())
}
