package core

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

var linuxAMD64 = &Platform{OS: "linux", Arch: "amd64"}

func tarGz(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("write tar header failed: %v", err)
		}
		if _, err := tw.Write(body); err != nil {
			t.Fatalf("write tar body failed: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar failed: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("close gzip failed: %v", err)
	}
	return buf.Bytes()
}

func gzipped(t *testing.T, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(body); err != nil {
		t.Fatalf("gzip write failed: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close failed: %v", err)
	}
	return buf.Bytes()
}

func zipped(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create failed: %v", err)
		}
		if _, err := w.Write(body); err != nil {
			t.Fatalf("zip write failed: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close failed: %v", err)
	}
	return buf.Bytes()
}

// releaseServer serves assets keyed by request path and counts hits.
func releaseServer(t *testing.T, assets map[string][]byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, ok := assets[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read dir failed: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestProvisionerInstallSingBoxTarGz(t *testing.T) {
	archive := tarGz(t, map[string][]byte{
		"sing-box-1.11.15-linux-amd64/LICENSE":  []byte("license"),
		"sing-box-1.11.15-linux-amd64/sing-box": []byte("#!/bin/sh\nexit 0\n"),
	})
	srv, hits := releaseServer(t, map[string][]byte{
		"/SagerNet/sing-box/releases/download/v1.11.15/sing-box-1.11.15-linux-amd64.tar.gz": archive,
	})
	cacheDir := t.TempDir()
	p := NewProvisioner(SingBox, ProvisionerOptions{CacheDir: cacheDir, ReleaseBaseURL: srv.URL, Platform: linuxAMD64})
	if p.IsReady() {
		t.Fatalf("fresh provisioner must not be ready")
	}

	bin, err := p.Install(context.Background())
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if bin.Path != filepath.Join(cacheDir, "sing-box") || bin.Version != "1.11.15" || bin.Platform != "linux/amd64" {
		t.Fatalf("unexpected binary: %+v", bin)
	}
	raw, err := os.ReadFile(bin.Path)
	if err != nil || !strings.Contains(string(raw), "exit 0") {
		t.Fatalf("unexpected binary content: %q err=%v", raw, err)
	}
	if !p.IsReady() {
		t.Fatalf("provisioner should be ready after install")
	}
	for _, name := range dirEntries(t, cacheDir) {
		if strings.HasSuffix(name, ".download") || strings.HasSuffix(name, ".tmp") {
			t.Fatalf("leftover file after install: %s", name)
		}
	}

	again, err := p.Install(context.Background())
	if err != nil || again != bin {
		t.Fatalf("second install should return cached binary: %+v err=%v", again, err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one download, got %d", hits.Load())
	}

	// a new provisioner adopts the binary already on disk
	fresh := NewProvisioner(SingBox, ProvisionerOptions{CacheDir: cacheDir, ReleaseBaseURL: srv.URL, Platform: linuxAMD64})
	adopted, err := fresh.Install(context.Background())
	if err != nil || adopted.Path != bin.Path || adopted.Version != "1.11.15" {
		t.Fatalf("expected adopted binary, got %+v err=%v", adopted, err)
	}
	if hits.Load() != 1 {
		t.Fatalf("adopting must not download again, hits=%d", hits.Load())
	}
}

func TestProvisionerReinstallsWhenBinaryRemoved(t *testing.T) {
	srv, hits := releaseServer(t, map[string][]byte{
		"/MetaCubeX/mihomo/releases/download/v1.19.12/mihomo-linux-amd64-v1.19.12.gz": gzipped(t, []byte("mihomo-binary")),
	})
	cacheDir := t.TempDir()
	p := NewProvisioner(Mihomo, ProvisionerOptions{CacheDir: cacheDir, ReleaseBaseURL: srv.URL, Platform: linuxAMD64})
	bin, err := p.Install(context.Background())
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := os.Remove(bin.Path); err != nil {
		t.Fatalf("remove binary failed: %v", err)
	}
	if p.IsReady() {
		t.Fatalf("removed binary must invalidate the cache")
	}
	if _, err := p.Install(context.Background()); err != nil {
		t.Fatalf("reinstall failed: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected two downloads, got %d", hits.Load())
	}
}

func TestProvisionerInstallXrayZipLatest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/XTLS/Xray-core/releases/latest":
			_, _ = w.Write([]byte(`{"tag_name":"v26.1.1"}`))
		case "/XTLS/Xray-core/releases/download/v26.1.1/Xray-linux-64.zip":
			_, _ = w.Write(zipped(t, map[string][]byte{"README.md": []byte("x"), "xray": []byte("xray-binary")}))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewProvisioner(Xray, ProvisionerOptions{
		Version:        "latest",
		CacheDir:       t.TempDir(),
		ReleaseBaseURL: srv.URL,
		APIBaseURL:     srv.URL,
		Platform:       linuxAMD64,
	})
	bin, err := p.Install(context.Background())
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if bin.Version != "26.1.1" {
		t.Fatalf("unexpected version: %q", bin.Version)
	}
}

func TestProvisionerDownloadFailureLeavesNothing(t *testing.T) {
	srv, _ := releaseServer(t, nil)
	cacheDir := t.TempDir()
	p := NewProvisioner(SingBox, ProvisionerOptions{CacheDir: cacheDir, ReleaseBaseURL: srv.URL, Platform: linuxAMD64})
	_, err := p.Install(context.Background())
	var pe *ProvisionError
	if !errors.As(err, &pe) || pe.Op != "download" {
		t.Fatalf("expected download provision error, got %v", err)
	}
	if !strings.Contains(err.Error(), "http status 404") {
		t.Fatalf("error should carry the status: %v", err)
	}
	if p.IsReady() {
		t.Fatalf("failed install must not be ready")
	}
	if names := dirEntries(t, cacheDir); len(names) != 0 {
		t.Fatalf("failed install left files: %v", names)
	}
}

func TestProvisionerMissingExecutableInArchive(t *testing.T) {
	srv, _ := releaseServer(t, map[string][]byte{
		"/SagerNet/sing-box/releases/download/v1.11.15/sing-box-1.11.15-linux-amd64.tar.gz": tarGz(t, map[string][]byte{"README": []byte("no binary here")}),
	})
	cacheDir := t.TempDir()
	p := NewProvisioner(SingBox, ProvisionerOptions{CacheDir: cacheDir, ReleaseBaseURL: srv.URL, Platform: linuxAMD64})
	_, err := p.Install(context.Background())
	if !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("expected executable not found, got %v", err)
	}
	var pe *ProvisionError
	if !errors.As(err, &pe) || pe.Op != "extract" {
		t.Fatalf("expected extract op, got %v", err)
	}
	if names := dirEntries(t, cacheDir); len(names) != 0 {
		t.Fatalf("failed install left files: %v", names)
	}
}

func TestProvisionerUnsupportedPlatform(t *testing.T) {
	p := NewProvisioner(SingBox, ProvisionerOptions{CacheDir: t.TempDir(), Platform: &Platform{OS: "plan9", Arch: "386"}})
	_, err := p.Install(context.Background())
	var pe *ProvisionError
	if !errors.As(err, &pe) || pe.Op != "platform" || !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("expected platform error, got %v", err)
	}
}

func TestProvisionerExplicitBinaryPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "my-sing-box")
	if err := os.WriteFile(path, []byte("bin"), 0o755); err != nil {
		t.Fatalf("write binary failed: %v", err)
	}
	p := NewProvisioner(SingBox, ProvisionerOptions{BinaryPath: path, CacheDir: dir, Platform: linuxAMD64})
	bin, err := p.Install(context.Background())
	if err != nil || bin.Path != path {
		t.Fatalf("expected explicit binary, got %+v err=%v", bin, err)
	}

	missing := NewProvisioner(SingBox, ProvisionerOptions{BinaryPath: filepath.Join(dir, "nope"), CacheDir: dir, Platform: linuxAMD64})
	if _, err := missing.Install(context.Background()); err == nil || !IsCoreError(err) {
		t.Fatalf("expected provision error for missing explicit binary, got %v", err)
	}
}
