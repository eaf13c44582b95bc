// Command divvy runs a Task registered by a Go plugin across a fixed pool
// of worker processes.
//
// Because Go cannot load and evaluate an arbitrary script file the way
// the reference implementation's CLI loads a Ruby script, the positional
// argument here is the path to a Go plugin (built with
// `go build -buildmode=plugin`) whose init() calls divvy.Register. This
// is the one place in the module that reaches for the standard library
// over a pack dependency — no library in the retrieval pack performs
// dynamic code loading, and the CLI wrapper is explicitly out of the
// core spec's scope (see DESIGN.md).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"plugin"
	"time"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	"github.com/divvyrun/divvy"
	"github.com/divvyrun/divvy/internal/logger"
	"github.com/divvyrun/divvy/internal/workerproc"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == workerproc.WorkerMarker {
		os.Exit(runWorker(os.Args[2:]))
	}
	os.Exit(runMaster(os.Args[1:]))
}

type masterOptions struct {
	Workers int    `short:"n" long:"workers" description:"Number of worker processes"`
	Verbose bool   `short:"v" long:"verbose" description:"Verbose stderr logging"`
	Config  string `short:"c" long:"config" description:"Path to a divvy.yaml config file"`
	Socket  string `long:"socket" description:"Unix socket path (default: a generated per-run path)"`

	Positional struct {
		Script string `positional-arg-name:"script" description:"Path to a Go plugin (.so) that registers a Task"`
	} `positional-args:"yes" required:"yes"`
}

// fileConfig is the shape of an optional divvy.yaml config file. CLI flags
// always override a config file value when both are given.
type fileConfig struct {
	Workers         int    `yaml:"workers"`
	Verbose         bool   `yaml:"verbose"`
	Socket          string `yaml:"socket"`
	GracefulTimeout string `yaml:"graceful-timeout"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("cannot read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("cannot parse config %q: %w", path, err)
	}
	return cfg, nil
}

func runMaster(argv []string) int {
	var opts masterOptions
	parser := flags.NewParser(&opts, flags.Default)
	parser.Name = "divvy"
	parser.Usage = "[OPTIONS] SCRIPT"
	if _, err := parser.ParseArgs(argv); err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		return 1
	}

	var cfg fileConfig
	if opts.Config != "" {
		var err error
		cfg, err = loadFileConfig(opts.Config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "divvy: %v\n", err)
			return 1
		}
	}

	workers := cfg.Workers
	if opts.Workers != 0 {
		workers = opts.Workers
	}
	if workers == 0 {
		workers = 1
	}
	verbose := cfg.Verbose || opts.Verbose
	socket := cfg.Socket
	if opts.Socket != "" {
		socket = opts.Socket
	}

	if verbose {
		logger.SetLogger(logger.NewVerbose(os.Stderr, ""))
	} else {
		logger.SetLogger(logger.New(os.Stderr, ""))
	}

	task, err := loadTask(opts.Positional.Script)
	if err != nil {
		fmt.Fprintf(os.Stderr, "divvy: %v\n", err)
		return 1
	}

	runOpts := divvy.NewOptions()
	runOpts.Workers = workers
	runOpts.Verbose = verbose
	runOpts.SocketPath = socket
	if cfg.GracefulTimeout != "" {
		d, err := time.ParseDuration(cfg.GracefulTimeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "divvy: invalid graceful-timeout %q: %v\n", cfg.GracefulTimeout, err)
			return 1
		}
		runOpts.GracefulTimeout = d
	}
	runOpts.WorkerExtraArgs = []string{"--plugin", opts.Positional.Script}

	stats, err := divvy.Run(context.Background(), task, runOpts)
	logger.Noticef("divvy: distributed=%d failures=%d spawned=%d", stats.TasksDistributed, stats.Failures, stats.SpawnCount)
	if err != nil {
		fmt.Fprintf(os.Stderr, "divvy: %v\n", err)
		var boot *divvy.BootFailureError
		if errors.As(err, &boot) {
			return 2
		}
		var forceful *divvy.ForcefulShutdownError
		if errors.As(err, &forceful) {
			return 3
		}
		return 1
	}
	return 0
}

type workerArgs struct {
	Slot    int    `long:"slot" required:"yes"`
	Socket  string `long:"socket" required:"yes"`
	Verbose bool   `long:"verbose"`
	Plugin  string `long:"plugin" required:"yes"`
}

func runWorker(argv []string) int {
	var opts workerArgs
	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	if _, err := parser.ParseArgs(argv); err != nil {
		fmt.Fprintf(os.Stderr, "divvy: worker: %v\n", err)
		return 1
	}

	if opts.Verbose {
		logger.SetLogger(logger.NewVerbose(os.Stderr, fmt.Sprintf("[worker %d] ", opts.Slot)))
	} else {
		logger.SetLogger(logger.New(os.Stderr, fmt.Sprintf("[worker %d] ", opts.Slot)))
	}

	task, err := loadTask(opts.Plugin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "divvy: worker: %v\n", err)
		return 1
	}

	return divvy.RunWorker(task, divvy.WorkerOptions{
		Slot:         opts.Slot,
		SocketPath:   opts.Socket,
		Verbose:      opts.Verbose,
		VerboseTrace: os.Getenv("DIVVY_VERBOSE_TRACE") == "1",
	})
}

func loadTask(pluginPath string) (divvy.Task, error) {
	if _, err := plugin.Open(pluginPath); err != nil {
		return nil, fmt.Errorf("cannot load plugin %q: %w", pluginPath, err)
	}
	factory, ok := divvy.Registered()
	if !ok {
		return nil, fmt.Errorf("plugin %q did not call divvy.Register", pluginPath)
	}
	return factory(), nil
}
