package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"nodeprobe/core"
	"nodeprobe/geo"
	"nodeprobe/node"
	"nodeprobe/report"
	"nodeprobe/tester"
)

func run(ctx context.Context, cfg *appConfig, nodesPath string, showProgress bool) error {
	nodes, err := loadNodes(nodesPath)
	if err != nil {
		return err
	}
	logrus.Infof("[CLI] loaded %d node(s) from %s", len(nodes), nodesPath)

	deps := tester.Deps{}
	engine := core.Engine(cfg.Engine.Type)
	if !cfg.Engine.Disabled {
		provisioner := core.NewProvisioner(engine, core.ProvisionerOptions{
			Version:      cfg.Engine.Version,
			CacheDir:     cfg.Engine.CacheDir,
			BinaryPath:   cfg.Engine.BinaryPath,
			MirrorPrefix: cfg.Engine.GitHubMirror,
		})
		deps.Provisioner = provisioner
		deps.Core = core.NewProcessTester(engine, provisioner, core.ProcessTesterOptions{
			Timeout:    cfg.timeout(),
			TestURL:    cfg.Test.URL,
			WarmUp:     cfg.warmUp(),
			ScratchDir: cfg.Engine.ScratchDir,
			KeepConfig: cfg.Engine.KeepConfig,
			Observer: func(n node.Descriptor, s core.State) {
				logrus.Debugf("[CLI] node=%s state=%s", n.Name, s)
			},
		})
	}

	if cfg.Geo.Verify {
		locator, closeLocator, err := newLocator(cfg)
		if err != nil {
			return err
		}
		defer closeLocator()
		deps.Locator = locator
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(len(nodes),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionSetDescription("[cyan][Testing][reset]"),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "[green]=[reset]",
				SaucerHead:    "[green]>[reset]",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
			progressbar.OptionClearOnFinish(),
		)
	}

	started := time.Now()
	results, err := tester.NewOrchestrator(deps).TestNodes(ctx, nodes, tester.Options{
		Concurrency:                cfg.Test.Concurrency,
		Timeout:                    cfg.timeout(),
		TestURL:                    cfg.Test.URL,
		VerifyLocation:             cfg.Geo.Verify,
		CorrectLocation:            cfg.Geo.Correct,
		LatencyCeiling:             cfg.latencyCeiling(),
		FallbackOnProvisionFailure: cfg.Test.FallbackOnProvisionFailure,
		FallbackOnCoreError:        cfg.Test.FallbackOnCoreError,
		OnResult: func(r tester.TestResult) {
			if bar != nil {
				_ = bar.Add(1)
			}
			if r.IsUp() {
				logrus.Debugf("[CLI] %s up %dms via %s", r.Node.Name, r.Latency.Milliseconds(), r.Method)
			} else {
				logrus.Debugf("[CLI] %s down: %s", r.Node.Name, r.ErrorText())
			}
		},
	})
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}

	summary := report.Summary(results, report.SummaryOptions{
		Title: fmt.Sprintf("nodeprobe %s, %s", engineLabel(cfg), time.Since(started).Round(time.Second)),
	})
	fmt.Println(summary)

	if err := writeOutputs(cfg, results); err != nil {
		return err
	}
	if cfg.Telegram.BotToken != "" {
		notifyTelegram(ctx, cfg, summary)
	}
	return nil
}

func engineLabel(cfg *appConfig) string {
	if cfg.Engine.Disabled {
		return "basic checks"
	}
	return cfg.Engine.Type
}

func newLocator(cfg *appConfig) (*geo.Locator, func(), error) {
	var (
		sources []geo.Source
		closers []func()
	)
	if cfg.Geo.MMDBPath != "" {
		src, err := geo.OpenMMDBSource(cfg.Geo.MMDBPath, cfg.Geo.ASNMMDBPath)
		if err != nil {
			return nil, nil, err
		}
		sources = append(sources, src)
		closers = append(closers, func() { _ = src.Close() })
	}
	if !cfg.Geo.Offline {
		sources = append(sources, geo.DefaultSources(nil, cfg.Geo.IPInfoToken)...)
	}
	locator := geo.NewLocator(geo.Options{
		Sources:   sources,
		CacheFile: cfg.Geo.CacheFile,
		CacheTTL:  cfg.cacheTTL(),
	})
	closeAll := func() {
		for _, st := range locator.Status() {
			logrus.Debugf("[CLI] geo source=%s healthy=%v failures=%d", st.Name, st.Healthy, st.Failures)
		}
		for _, c := range closers {
			c()
		}
	}
	return locator, closeAll, nil
}

func writeOutputs(cfg *appConfig, results []tester.TestResult) error {
	if path := cfg.Output.ResultsFile; path != "" {
		if err := writeResults(path, engineLabel(cfg), results); err != nil {
			return fmt.Errorf("write results: %w", err)
		}
		logrus.Infof("[CLI] results written to %s", path)
	}
	if path := cfg.Output.FailedKeysFile; path != "" {
		if err := writeFailedKeys(path, results); err != nil {
			return fmt.Errorf("write failed keys: %w", err)
		}
	}
	if path := cfg.Output.CorrectedFile; path != "" && cfg.Geo.Correct {
		if err := writeCorrected(path, results); err != nil {
			return fmt.Errorf("write corrected nodes: %w", err)
		}
	}
	return nil
}

// notifyTelegram never fails the run; the results are already on disk.
func notifyTelegram(ctx context.Context, cfg *appConfig, summary string) {
	notifier, err := report.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, report.TelegramOptions{
		APIEndpoint: cfg.Telegram.APIEndpoint,
	})
	if err != nil {
		logrus.Warnf("[CLI] telegram disabled: %v", err)
		return
	}
	if err := notifier.Notify(ctx, summary); err != nil {
		logrus.Warnf("[CLI] telegram notify failed: %v", err)
	}
}
