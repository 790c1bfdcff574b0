package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const tokenHeader = "X-Lockr-Token"

// Client is an HTTP client for the lockr API.
type Client struct {
	addr  string
	token string
	http  *http.Client
}

// newClient creates a Client from the current config. LOCKR_ADDR,
// LOCKR_TOKEN and LOCKR_CACERT override the config file.
func newClient() *Client {
	addr := cfg.Address
	if v := os.Getenv("LOCKR_ADDR"); v != "" {
		addr = v
	}
	token := cfg.Token
	if v := os.Getenv("LOCKR_TOKEN"); v != "" {
		token = v
	}
	caCert := cfg.TLSCACert
	if v := os.Getenv("LOCKR_CACERT"); v != "" {
		caCert = v
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caCert != "" {
		data, err := os.ReadFile(caCert)
		if err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(data)
			tlsCfg.RootCAs = pool
		}
	}

	// Sweeps run for up to a probe budget per batch of hosts.
	httpClient := &http.Client{
		Timeout:   5 * time.Minute,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}

	return &Client{addr: strings.TrimRight(addr, "/"), token: token, http: httpClient}
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.addr+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set(tokenHeader, c.token)
	}

	return c.http.Do(req)
}

func (c *Client) get(path string) (map[string]any, error) {
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) post(path string, body any) (map[string]any, error) {
	resp, err := c.do(http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) put(path string, body any) (map[string]any, error) {
	resp, err := c.do(http.MethodPut, path, body)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status      int
	Message     string
	Code        string
	Remediation []string
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	for _, r := range e.Remediation {
		b.WriteString("\n  - ")
		b.WriteString(r)
	}
	return b.String()
}

func parseResponse(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
		if errs, ok := result["errors"].([]any); ok && len(errs) > 0 {
			apiErr.Message = fmt.Sprintf("%v", errs[0])
		}
		if code, ok := result["code"].(string); ok {
			apiErr.Code = code
		}
		if rem, ok := result["remediation"].([]any); ok {
			for _, r := range rem {
				apiErr.Remediation = append(apiErr.Remediation, fmt.Sprintf("%v", r))
			}
		}
		return nil, apiErr
	}
	return result, nil
}
