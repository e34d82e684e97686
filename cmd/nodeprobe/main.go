package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"nodeprobe/util"
)

func main() {
	os.Exit(realMain(os.Args[1:]))
}

// realMain returns the exit code so deferred cleanup (signal handler,
// context, geo sources) runs before the process exits.
func realMain(args []string) int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.Warnf("[CLI] load .env failed: %v", err)
	}

	logLevel, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logrus.SetLevel(logLevel)

	if len(args) == 1 && isVersionArg(args[0]) {
		fmt.Println(util.BuildInfo())
		return 0
	}

	flags := flag.NewFlagSet("nodeprobe", flag.ContinueOnError)
	configPath := flags.String("config", "", "Config file (JSON, YAML or INI)")
	nodesPath := flags.String("nodes", "", "Node list file (JSON or YAML)")
	engine := flags.String("engine", "", "Engine: sing-box | mihomo | xray")
	engineVersion := flags.String("engine-version", "", "Engine release to use, or latest")
	binaryPath := flags.String("engine-binary", "", "Use an existing engine executable")
	basicOnly := flags.Bool("basic-only", false, "Skip the engine and run basic checks only")
	concurrency := flags.Int("c", 0, "Nodes tested at once")
	timeout := flags.Duration("timeout", 0, "Per-node timeout")
	testURL := flags.String("url", "", "URL requested through each node")
	verifyLocation := flags.Bool("verify-location", false, "Check that node names match server locations")
	correctLocation := flags.Bool("correct-location", false, "Rename nodes whose location does not match")
	mmdbPath := flags.String("mmdb", "", "MaxMind City or Country database for offline lookups")
	output := flags.String("o", "", "Write JSON results to this file")
	failedKeys := flags.String("failed-keys", "", "Write keys of failed nodes to this file")
	noProgress := flags.Bool("no-progress", false, "Disable the progress bar")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if strings.TrimSpace(*nodesPath) == "" && flags.NArg() > 0 {
		*nodesPath = flags.Arg(0)
	}
	if strings.TrimSpace(*nodesPath) == "" {
		flags.Usage()
		return 2
	}

	logrus.Infoln("[CLI]", util.BuildInfo())

	set := map[string]bool{}
	flags.Visit(func(f *flag.Flag) { set[f.Name] = true })
	cfg, err := loadAppConfig(*configPath, func(cfg *appConfig) {
		if set["engine"] {
			cfg.Engine.Type = *engine
		}
		if set["engine-version"] {
			cfg.Engine.Version = *engineVersion
		}
		if set["engine-binary"] {
			cfg.Engine.BinaryPath = *binaryPath
		}
		if set["basic-only"] {
			cfg.Engine.Disabled = *basicOnly
		}
		if set["c"] {
			cfg.Test.Concurrency = *concurrency
		}
		if set["timeout"] {
			cfg.Test.TimeoutMS = int(timeout.Milliseconds())
		}
		if set["url"] {
			cfg.Test.URL = *testURL
		}
		if set["verify-location"] {
			cfg.Geo.Verify = *verifyLocation
		}
		if set["correct-location"] {
			cfg.Geo.Correct = *correctLocation
		}
		if set["mmdb"] {
			cfg.Geo.MMDBPath = *mmdbPath
		}
		if set["o"] {
			cfg.Output.ResultsFile = *output
		}
		if set["failed-keys"] {
			cfg.Output.FailedKeysFile = *failedKeys
		}
	})
	if err != nil {
		logrus.Errorln("[CLI]", err)
		return 1
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	cleanupForceInterrupt := installForceInterruptHandler(stop)
	defer cleanupForceInterrupt()

	if err := run(ctx, cfg, *nodesPath, !*noProgress); err != nil {
		logrus.Errorln("[CLI]", err)
		return 1
	}
	return 0
}

func isVersionArg(arg string) bool {
	switch strings.TrimSpace(strings.ToLower(arg)) {
	case "version", "-v", "--version", "-version":
		return true
	default:
		return false
	}
}

// installForceInterruptHandler cancels the run on the first signal so
// engine processes get cleaned up, and exits hard on the second.
func installForceInterruptHandler(cancel context.CancelFunc) func() {
	sigCh := make(chan os.Signal, 2)
	done := make(chan struct{})
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(done)
		first, ok := <-sigCh
		if !ok {
			return
		}
		logrus.Warnf("[CLI] received signal %s, stopping tests...", first.String())
		cancel()

		timer := time.NewTimer(10 * time.Second)
		defer timer.Stop()
		select {
		case second := <-sigCh:
			logrus.Warnf("[CLI] received second signal %s, force exiting", second.String())
			os.Exit(130)
		case <-timer.C:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		select {
		case <-done:
		default:
		}
	}
}
