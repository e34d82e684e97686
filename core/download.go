package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"nodeprobe/util"
)

const (
	defaultReleaseBase = "https://github.com"
	defaultAPIBase     = "https://api.github.com"
	maxDownloadSize    = 200 << 20
)

func normalizeMirrorPrefix(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return ""
	}
	return strings.TrimRight(raw, "/") + "/"
}

func withGitHubMirror(prefix, rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	prefix = normalizeMirrorPrefix(prefix)
	if rawURL == "" || prefix == "" || strings.HasPrefix(rawURL, prefix) {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return rawURL
	}
	host := u.Hostname()
	if !isGitHubLikeHost(host) {
		return rawURL
	}
	// mirrors usually do not proxy the API host
	if strings.EqualFold(host, "api.github.com") {
		return rawURL
	}
	return prefix + rawURL
}

func isGitHubLikeHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(strings.TrimSuffix(host, ".")))
	if host == "" {
		return false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = strings.ToLower(strings.TrimSpace(h))
	}
	if host == "github.com" || host == "raw.githubusercontent.com" {
		return true
	}
	return strings.HasSuffix(host, ".github.com") || strings.HasSuffix(host, ".githubusercontent.com")
}

// requestURLCandidates tries the mirrored URL first and the raw one second.
func requestURLCandidates(mirrorPrefix, rawURL string) []string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil
	}
	mirrored := withGitHubMirror(mirrorPrefix, rawURL)
	if mirrored == "" || mirrored == rawURL {
		return []string{rawURL}
	}
	return []string{mirrored, rawURL}
}

func newDownloadClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

func userAgent() string {
	return util.VersionName()
}

// downloadFile fetches the first candidate that answers 200 into path.
// Redirects are followed by the client.
func downloadFile(ctx context.Context, client *http.Client, candidates []string, path string) error {
	var lastErr error
	for _, requestURL := range candidates {
		if err := downloadOnce(ctx, client, requestURL, path); err != nil {
			lastErr = fmt.Errorf("%s: %w", requestURL, err)
			_ = os.Remove(path)
			if ctx.Err() != nil {
				return lastErr
			}
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no download url")
	}
	return lastErr
}

func downloadOnce(ctx context.Context, client *http.Client, requestURL, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent())
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(resp.Body, maxDownloadSize+1))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if n > maxDownloadSize {
		return fmt.Errorf("download exceeds %d bytes", maxDownloadSize)
	}
	if n == 0 {
		return fmt.Errorf("empty download")
	}
	return nil
}

// latestVersion asks the GitHub releases API for the newest tag of repo.
func latestVersion(ctx context.Context, client *http.Client, apiBase, repo string) (string, error) {
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/repos/"+repo+"/releases/latest", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent())
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("http status %d", resp.StatusCode)
	}
	var payload struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return "", err
	}
	if strings.TrimSpace(payload.TagName) == "" {
		return "", fmt.Errorf("empty tag_name")
	}
	return normalizeVersion(payload.TagName), nil
}
