package somebuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

var version = "dev"

// Main is the CLI entrypoint for cmd/somebuild.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tty := term.IsTerminal(int(os.Stderr.Fd()))
	if !tty {
		color.Enable = false
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			fmt.Fprintln(os.Stderr, colArrow.Sprint("\n-> ")+colError.Sprintf("Received %v. Cancelling build", sig))
			cancel()
			select {
			case <-sigs:
				fmt.Fprintln(os.Stderr, colError.Sprint("Second interrupt received. Forcing immediate exit."))
				os.Exit(130)
			case <-time.After(10 * time.Second):
				os.Exit(130)
			}
		case <-ctx.Done():
		}
	}()

	os.Exit(Run(ctx, os.Args, os.Stdout, os.Stderr, tty))
}

// Run parses args, builds one package and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer, tty bool) int {
	reporter := NewReporter(stderr, tty)
	defer reporter.Close()
	log := NewLogger(reporter, false)

	cmd := &cli.Command{
		Name:      "somebuild",
		Usage:     "fetch, verify, extract and build one package from its manifest",
		Version:   version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "directory containing " + ManifestFile,
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "directory receiving the sources, staged install and build log",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "configuration file",
				Value:   DefaultConfigFile,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "show phase output",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "print debug information",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := LoadConfig(cmd.String("config"))
			if err != nil {
				return err
			}
			if cmd.Bool("verbose") {
				cfg.Set("SOMEBUILD_VERBOSE", "1")
			}
			if cmd.Bool("debug") {
				cfg.Set("SOMEBUILD_DEBUG", "1")
			}
			log.debug = cfg.Debug
			return runBuild(ctx, cfg, reporter, log, cmd.String("input"), cmd.String("output"))
		},
	}

	if err := cmd.Run(ctx, args); err != nil {
		reportError(log, err)
		return 1
	}
	return 0
}

func runBuild(ctx context.Context, cfg *Config, reporter *Reporter, log *Logger, input, output string) error {
	inputDir, err := resolveDir("input", input)
	if err != nil {
		return err
	}
	outputDir, err := resolveDir("output", output)
	if err != nil {
		return err
	}

	m, err := LoadManifest(inputDir)
	if err != nil {
		return err
	}

	log.Notef("Input dir:\t%s", inputDir)
	log.Notef("Output dir:\t%s", outputDir)
	log.Notef("Download Url:\t%s", m.Source.URL)
	log.Infof("Package:\t%s", m.String())

	client, err := newHttpClient(cfg.CAFile)
	if err != nil {
		return preconditionError("failed to set up http client", err)
	}
	httpOpener := &HTTPOpener{Client: client}

	b := &Builder{
		Config:   cfg,
		Progress: reporter,
		Log:      log,
		Openers: map[string]Opener{
			"http":  httpOpener,
			"https": httpOpener,
			"r2":    &R2Opener{Config: cfg},
		},
		Console: reporter,
	}
	if err := b.Build(ctx, m, outputDir); err != nil {
		return err
	}

	log.Infof("Successfully built %s", m.String())
	return nil
}

// resolveDir makes p absolute, follows symlinks and requires a directory.
func resolveDir(role, p string) (string, error) {
	if p == "" {
		return "", preconditionError(fmt.Sprintf("missing --%s directory", role), nil)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", preconditionError(fmt.Sprintf("invalid %s path %s", role, p), err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", preconditionError(fmt.Sprintf("%s path %s does not exist", role, p), err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", preconditionError(fmt.Sprintf("cannot stat %s path %s", role, p), err)
	}
	if !info.IsDir() {
		return "", preconditionError(fmt.Sprintf("%s path %s is not a directory", role, p), nil)
	}
	return resolved, nil
}

// reportError prints the failure with the diagnostics its kind carries.
func reportError(log *Logger, err error) {
	var phaseErr *PhaseError
	var integrityErr *IntegrityError

	switch {
	case errors.As(err, &phaseErr):
		log.Errorf("Error: %s phase failed", phaseErr.Phase)
		log.Errorf("Command: %s", phaseErr.Command)
		if phaseErr.Err != nil {
			log.Errorf("Reason: %v", phaseErr.Err)
		} else {
			log.Errorf("Exit code: %d", phaseErr.ExitCode)
		}
		if phaseErr.Stderr != "" {
			log.Errorf("Stderr:\n%s", phaseErr.Stderr)
		}
		if phaseErr.Stdout != "" {
			log.Errorf("Stdout:\n%s", phaseErr.Stdout)
		}
	case errors.As(err, &integrityErr):
		log.Errorf("Error: hash mismatch for %s", integrityErr.URL)
		log.Errorf("Expected: %s", integrityErr.Expected)
		log.Errorf("Found:    %s", integrityErr.Found)
	default:
		log.Errorf("Error: %v", err)
	}
	log.Debugf("error kind: %s", KindOf(err))
}
