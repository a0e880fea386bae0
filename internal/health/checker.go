// Package health checks whether configured video sources can be reached.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// CheckResult contains the results of health checks
type CheckResult struct {
	Kind          string `json:"kind"`
	HostReachable bool   `json:"host_reachable"`
	HostError     string `json:"host_error,omitempty"`
	URLAccessible bool   `json:"url_accessible"`
	URLError      string `json:"url_error,omitempty"`
	ResponseTime  int64  `json:"response_time_ms"`
	LastChecked   string `json:"last_checked"`
}

// Healthy reports whether the source looks usable.
func (r CheckResult) Healthy() bool {
	return r.HostReachable && r.URLAccessible
}

// Checker performs health checks on stream sources
type Checker struct {
	timeout time.Duration
	client  *http.Client
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"rtsp":  "554",
	"rtsps": "322",
	"rtmp":  "1935",
}

// Check tests whether a stream URL is reachable. HTTP(S) sources get a TCP dial and a GET,
// other network schemes only the TCP dial, and local files a stat.
func (c *Checker) Check(source string) CheckResult {
	result := CheckResult{
		LastChecked: time.Now().Format(time.RFC3339),
	}

	if !strings.Contains(source, "://") || strings.HasPrefix(source, "file://") {
		result.Kind = "file"
		c.checkFile(strings.TrimPrefix(source, "file://"), &result)
		return result
	}

	parsedURL, err := url.Parse(source)
	if err != nil {
		result.Kind = "invalid"
		result.HostError = fmt.Sprintf("Invalid URL: %v", err)
		result.URLError = result.HostError
		return result
	}
	scheme := strings.ToLower(parsedURL.Scheme)
	result.Kind = scheme

	start := time.Now()
	result.HostReachable, result.HostError = c.tcpPing(parsedURL.Host, defaultPorts[scheme])
	if !result.HostReachable {
		result.URLError = "Host unreachable"
		return result
	}

	switch scheme {
	case "http", "https":
		start = time.Now()
		result.URLAccessible, result.URLError = c.httpCheck(source)
	default:
		// the stream protocol itself is left to the capture library
		result.URLAccessible = true
	}
	result.ResponseTime = time.Since(start).Milliseconds()

	return result
}

func (c *Checker) checkFile(path string, result *CheckResult) {
	start := time.Now()
	info, err := os.Stat(path)
	result.ResponseTime = time.Since(start).Milliseconds()
	if err != nil {
		result.HostError = fmt.Sprintf("File not accessible: %v", err)
		result.URLError = result.HostError
		return
	}
	result.HostReachable = true
	if info.IsDir() {
		result.URLError = "Path is a directory"
		return
	}
	result.URLAccessible = true
}

// tcpPing attempts to establish a TCP connection to the host
func (c *Checker) tcpPing(host, defaultPort string) (bool, string) {
	if _, _, err := net.SplitHostPort(host); err != nil {
		if defaultPort == "" {
			defaultPort = "80"
		}
		host = net.JoinHostPort(host, defaultPort)
	}

	conn, err := net.DialTimeout("tcp", host, c.timeout)
	if err != nil {
		return false, fmt.Sprintf("TCP connection failed: %v", err)
	}
	_ = conn.Close()
	return true, ""
}

// httpCheck performs an HTTP GET request to verify URL accessibility
func (c *Checker) httpCheck(urlStr string) (bool, string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return false, fmt.Sprintf("Request creation failed: %v", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("HTTP request failed: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return true, ""
	}

	return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
}
