package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestRealMainExitCodes(t *testing.T) {
	clearEnv(t)
	if code := realMain([]string{"version"}); code != 0 {
		t.Fatalf("version: exit %d", code)
	}
	if code := realMain(nil); code != 2 {
		t.Fatalf("missing node list: exit %d, want 2", code)
	}
	if code := realMain([]string{"-no-such-flag"}); code != 2 {
		t.Fatalf("unknown flag: exit %d, want 2", code)
	}
	if code := realMain([]string{"-engine", "v2fly", "-nodes", "nodes.json"}); code != 1 {
		t.Fatalf("invalid config: exit %d, want 1", code)
	}
	missing := filepath.Join(t.TempDir(), "missing.json")
	if code := realMain([]string{"-basic-only", "-no-progress", missing}); code != 1 {
		t.Fatalf("unreadable node list: exit %d, want 1", code)
	}
}

func TestRealMainBasicRun(t *testing.T) {
	clearEnv(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	nodes := writeFile(t, "nodes.json", fmt.Sprintf(
		`[{"name":"local","type":"ss","server":"127.0.0.1","port":%d,"cipher":"aes-128-gcm","password":"pw"}]`, port))
	out := filepath.Join(t.TempDir(), "results.json")
	code := realMain([]string{"-basic-only", "-no-progress", "-timeout", "2s", "-o", out, "-nodes", nodes})
	if code != 0 {
		t.Fatalf("run: exit %d, want 0", code)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("results not written: %v", err)
	}
	var report struct {
		Stats struct {
			Successful int `json:"successful"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(raw, &report); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if report.Stats.Successful != 1 {
		t.Fatalf("expected the local node up:\n%s", raw)
	}
}
