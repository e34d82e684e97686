package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Binary is an installed engine executable.
type Binary struct {
	Platform string
	Path     string
	Version  string
}

// BinaryProvider hands out a ready engine binary, installing it on first use.
type BinaryProvider interface {
	IsReady() bool
	Install(ctx context.Context) (Binary, error)
}

type ProvisionerOptions struct {
	// Version pins a release; empty uses the built-in default and
	// "latest" asks the GitHub API.
	Version  string
	CacheDir string
	// BinaryPath skips downloading and uses an existing executable.
	BinaryPath     string
	MirrorPrefix   string
	ReleaseBaseURL string
	APIBaseURL     string
	HTTPClient     *http.Client
	Timeout        time.Duration
	Platform       *Platform
}

type Provisioner struct {
	engine Engine
	opts   ProvisionerOptions
	client *http.Client

	mu     sync.Mutex
	binary *Binary
}

func NewProvisioner(engine Engine, opts ProvisionerOptions) *Provisioner {
	if strings.TrimSpace(opts.CacheDir) == "" {
		opts.CacheDir = defaultCacheDir()
	}
	client := opts.HTTPClient
	if client == nil {
		client = newDownloadClient(opts.Timeout)
	}
	return &Provisioner{engine: engine, opts: opts, client: client}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "nodeprobe", "bin")
	}
	return filepath.Join(os.TempDir(), "nodeprobe", "bin")
}

func (p *Provisioner) Engine() Engine {
	return p.engine
}

func (p *Provisioner) platform() Platform {
	if p.opts.Platform != nil {
		return *p.opts.Platform
	}
	return DetectPlatform()
}

func (p *Provisioner) installedPath() string {
	return filepath.Join(p.opts.CacheDir, p.engine.ExecutableName(p.platform().OS))
}

func (p *Provisioner) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyLocked()
}

// readyLocked validates the cached binary, dropping it when the file stopped
// being executable, and adopts a previously installed one from disk.
func (p *Provisioner) readyLocked() bool {
	if p.binary != nil {
		if isExecutableFile(p.binary.Path) {
			return true
		}
		logrus.Warnf("[Core] cached %s binary is gone: %s", p.engine, p.binary.Path)
		p.binary = nil
	}
	candidate := strings.TrimSpace(p.opts.BinaryPath)
	if candidate == "" {
		candidate = p.installedPath()
	}
	if !isExecutableFile(candidate) {
		return false
	}
	version := "unknown"
	if raw, err := os.ReadFile(candidate + ".version"); err == nil && strings.TrimSpace(string(raw)) != "" {
		version = strings.TrimSpace(string(raw))
	}
	p.binary = &Binary{Platform: p.platform().Key(), Path: candidate, Version: version}
	return true
}

// Install returns the cached binary when it is still executable and
// downloads the release asset for this platform otherwise. Nothing is left
// at the install path unless every step succeeded.
func (p *Provisioner) Install(ctx context.Context) (Binary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readyLocked() {
		return *p.binary, nil
	}
	if strings.TrimSpace(p.opts.BinaryPath) != "" {
		return Binary{}, &ProvisionError{Engine: p.engine, Op: "install", Err: fmt.Errorf("binary %s is not executable", p.opts.BinaryPath)}
	}

	plat := p.platform()
	version, err := p.resolveVersion(ctx)
	if err != nil {
		return Binary{}, &ProvisionError{Engine: p.engine, Op: "version", Err: err}
	}
	asset, err := AssetName(p.engine, plat, version)
	if err != nil {
		return Binary{}, &ProvisionError{Engine: p.engine, Op: "platform", Err: err}
	}
	if err := os.MkdirAll(p.opts.CacheDir, 0o755); err != nil {
		return Binary{}, &ProvisionError{Engine: p.engine, Op: "install", Err: err}
	}

	archivePath := filepath.Join(p.opts.CacheDir, asset+".download")
	defer os.Remove(archivePath)
	assetURL := releaseAssetURL(p.opts.ReleaseBaseURL, p.engine, version, asset)
	logrus.Infof("[Core] downloading %s %s for %s: %s", p.engine, version, plat.Key(), assetURL)
	if err := downloadFile(ctx, p.client, requestURLCandidates(p.opts.MirrorPrefix, assetURL), archivePath); err != nil {
		return Binary{}, &ProvisionError{Engine: p.engine, Op: "download", Err: err}
	}

	exeName := p.engine.ExecutableName(plat.OS)
	finalPath := filepath.Join(p.opts.CacheDir, exeName)
	tmpPath := finalPath + ".tmp"
	defer os.Remove(tmpPath)
	if err := extractExecutable(archivePath, archiveKindOf(asset), exeName, tmpPath); err != nil {
		return Binary{}, &ProvisionError{Engine: p.engine, Op: "extract", Err: err}
	}
	if plat.OS != "windows" {
		if err := os.Chmod(tmpPath, 0o755); err != nil {
			return Binary{}, &ProvisionError{Engine: p.engine, Op: "install", Err: err}
		}
	}
	if err := os.Remove(archivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.Debugf("[Core] remove archive %s failed: %v", archivePath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Binary{}, &ProvisionError{Engine: p.engine, Op: "install", Err: err}
	}
	_ = os.WriteFile(finalPath+".version", []byte(version+"\n"), 0o644)

	p.binary = &Binary{Platform: plat.Key(), Path: finalPath, Version: version}
	logrus.Infof("[Core] installed %s %s at %s", p.engine, version, finalPath)
	return *p.binary, nil
}

func (p *Provisioner) resolveVersion(ctx context.Context) (string, error) {
	version := strings.TrimSpace(p.opts.Version)
	switch strings.ToLower(version) {
	case "":
		return releases[p.engine].defaultVersion, nil
	case "latest":
		return latestVersion(ctx, p.client, p.opts.APIBaseURL, releases[p.engine].repo)
	default:
		return normalizeVersion(version), nil
	}
}

func isExecutableFile(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
