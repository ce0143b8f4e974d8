// Package mesh drives the external single-image-to-3D reconstructor: it
// normalizes the input, runs the tool, discovers what it wrote and converts
// the result to GLB when it can.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/archivision/archivision/pkg/imageutil"
	"github.com/archivision/archivision/pkg/logging"
	"github.com/archivision/archivision/pkg/metrics"
	"github.com/archivision/archivision/pkg/sandbox"
	"github.com/archivision/archivision/pkg/tailbuffer"
	"github.com/containerd/errdefs"
	"github.com/docker/go-units"
)

const (
	// InputName is the normalized input written to the output directory.
	InputName = "mesh_input.png"
	// GLBName is the converted mesh written to the output directory.
	GLBName = "model.glb"
	// DefaultDir is the reconstructor checkout location.
	DefaultDir = "third_party/TripoSR"
	// DefaultEntryScript is the script expected inside the checkout.
	DefaultEntryScript = "run.py"
	// DefaultTextureResolution is the baked texture size.
	DefaultTextureResolution = 1024
	// DefaultTimeout bounds a single reconstruction.
	DefaultTimeout = 30 * time.Minute
	// DefaultTailSize is how much process output is retained for errors.
	DefaultTailSize = 64 * units.KiB
	// repository is where the reconstructor is obtained from.
	repository = "https://github.com/VAST-AI-Research/TripoSR.git"
)

// DefaultCommand runs the entry script with the system Python.
var DefaultCommand = []string{"python3", DefaultEntryScript}

// ManagedFlags are the flags the orchestrator sets itself; extra arguments
// may not override them.
var ManagedFlags = []string{"--output-dir", "--bake-texture", "--texture-resolution"}

// Request describes one reconstruction.
type Request struct {
	// Input is the path of the source image.
	Input string
	// BakeTexture asks the reconstructor to bake a texture atlas.
	BakeTexture bool
	// TextureResolution is the baked texture size; only sent when baking.
	TextureResolution int
}

// DefaultRequest returns the request applied when no overrides are given.
func DefaultRequest(input string) Request {
	return Request{Input: input, BakeTexture: true, TextureResolution: DefaultTextureResolution}
}

// Validate checks the request.
func (r Request) Validate() error {
	if r.Input == "" {
		return fmt.Errorf("%w: missing input image", ErrInvalidRequest)
	}
	if r.TextureResolution <= 0 {
		return fmt.Errorf("%w: texture_resolution must be positive, got %d", ErrInvalidRequest, r.TextureResolution)
	}
	return nil
}

// Result is the outcome of a successful reconstruction.
type Result struct {
	// Artifacts holds only files that exist.
	Artifacts ArtifactSet
	// Conversion is the GLB conversion outcome.
	Conversion Conversion
}

// Options configures an Orchestrator.
type Options struct {
	// Dir is the reconstructor checkout; the process runs inside it.
	Dir string
	// EntryScript is the file that must exist inside Dir.
	EntryScript string
	// Command is the program and leading arguments.
	Command []string
	// ExtraArgs are appended after the managed arguments.
	ExtraArgs []string
	// Timeout bounds a single run.
	Timeout time.Duration
	// GracePeriod is how long an interrupted process may take to exit.
	GracePeriod time.Duration
	// TailSize bounds the captured output.
	TailSize int
	// Metrics records outcomes. It may be nil.
	Metrics *metrics.Recorder
}

// Orchestrator runs reconstructions.
type Orchestrator struct {
	// log is the associated logger.
	log logging.Logger
	// serverLog receives the process output.
	serverLog logging.Logger
	// dir is the reconstructor checkout.
	dir string
	// entryScript is the expected script inside dir.
	entryScript string
	// command is the program and leading arguments.
	command []string
	// extraArgs are appended after the managed arguments.
	extraArgs []string
	// timeout bounds a run.
	timeout time.Duration
	// gracePeriod is the interrupt-to-kill delay.
	gracePeriod time.Duration
	// tailSize bounds captured output.
	tailSize int
	// metrics records outcomes.
	metrics *metrics.Recorder
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(log, serverLog logging.Logger, opts Options) (*Orchestrator, error) {
	if opts.Dir == "" {
		opts.Dir = DefaultDir
	}
	if opts.EntryScript == "" {
		opts.EntryScript = DefaultEntryScript
	}
	if len(opts.Command) == 0 {
		opts.Command = DefaultCommand
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.TailSize <= 0 {
		opts.TailSize = DefaultTailSize
	}
	if err := CheckExtraArgs(opts.ExtraArgs); err != nil {
		return nil, err
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving reconstructor directory: %w", err)
	}
	return &Orchestrator{
		log:         log,
		serverLog:   serverLog,
		dir:         dir,
		entryScript: opts.EntryScript,
		command:     opts.Command,
		extraArgs:   opts.ExtraArgs,
		timeout:     opts.Timeout,
		gracePeriod: opts.GracePeriod,
		tailSize:    opts.TailSize,
		metrics:     opts.Metrics,
	}, nil
}

// CheckExtraArgs rejects extra arguments that would override a managed flag.
func CheckExtraArgs(args []string) error {
	for _, arg := range args {
		for _, flag := range ManagedFlags {
			if arg == flag || strings.HasPrefix(arg, flag+"=") {
				return fmt.Errorf("%w: argument %s is managed and may not be overridden", errdefs.ErrInvalidArgument, flag)
			}
		}
	}
	return nil
}

// Dir returns the reconstructor checkout directory.
func (o *Orchestrator) Dir() string {
	return o.dir
}

// CheckInstalled verifies that the reconstructor checkout and its entry script
// exist.
func (o *Orchestrator) CheckInstalled() error {
	remediation := fmt.Sprintf("Clone it with: git clone %s %s Then install its requirements: pip install -r %s",
		repository, o.dir, filepath.Join(o.dir, "requirements.txt"))
	if info, err := os.Stat(o.dir); err != nil || !info.IsDir() {
		return &SetupMissingError{Path: o.dir, Remediation: remediation}
	}
	script := filepath.Join(o.dir, o.entryScript)
	if info, err := os.Stat(script); err != nil || info.IsDir() {
		return &SetupMissingError{Path: script, Remediation: remediation}
	}
	return nil
}

// Status returns a description of the reconstructor installation.
func (o *Orchestrator) Status() string {
	if err := o.CheckInstalled(); err != nil {
		return "not installed"
	}
	return "installed at " + o.dir
}

// Args returns the arguments passed after the command for a run writing the
// normalized input at input into outDir.
func (o *Orchestrator) Args(input, outDir string, req Request) []string {
	args := append([]string{}, o.command[1:]...)
	args = append(args, input, "--output-dir", outDir)
	if req.BakeTexture {
		args = append(args, "--bake-texture", "--texture-resolution", strconv.Itoa(req.TextureResolution))
	}
	return append(args, o.extraArgs...)
}

// Build runs one reconstruction into outDir. The installation check runs
// before any file is touched. A conversion failure is recorded in the result
// and is not an error.
func (o *Orchestrator) Build(ctx context.Context, req Request, outDir string) (result *Result, err error) {
	if err := o.CheckInstalled(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		o.metrics.ObserveMesh(err, time.Since(start))
	}()

	outDir, err = filepath.Abs(outDir)
	if err != nil {
		return nil, err
	}
	img, err := imageutil.Load(req.Input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	input := filepath.Join(outDir, InputName)
	if err := imageutil.SavePNG(input, img); err != nil {
		return nil, err
	}

	if err := o.run(ctx, o.Args(input, outDir, req)); err != nil {
		return nil, err
	}

	artifacts, err := Discover(outDir)
	if err != nil {
		return nil, fmt.Errorf("discovering reconstructor outputs: %w", err)
	}
	if len(artifacts) == 0 {
		o.log.Warnf("Reconstructor produced no recognizable artifacts in %s", outDir)
	}

	conversion := Convert(artifacts, outDir)
	switch conversion.Status {
	case ConversionSucceeded:
		artifacts[ArtifactGLB] = conversion.Path
	case ConversionFailed:
		o.log.Warnf("GLB conversion of %s failed: %v", filepath.Base(conversion.Source), conversion.Err)
	}
	o.metrics.ObserveConversion(string(conversion.Status))

	return &Result{Artifacts: artifacts, Conversion: conversion}, nil
}

func (o *Orchestrator) run(ctx context.Context, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	o.log.Infof("Running reconstructor: %v", append(append([]string{}, o.command[:1]...), args...))
	tailBuf := tailbuffer.New(o.tailSize)
	serverLogStream := o.serverLog.Writer()
	defer serverLogStream.Close()
	out := io.MultiWriter(serverLogStream, tailBuf)

	started := time.Now()
	reconstructor, err := sandbox.Create(ctx, o.gracePeriod, func(command *exec.Cmd) {
		command.Dir = o.dir
		command.Stdout = out
		command.Stderr = out
	}, o.command[0], args...)
	if err != nil {
		return &ToolError{ExitCode: -1, Err: fmt.Errorf("unable to start reconstructor: %w", err)}
	}
	defer reconstructor.Close()

	code, err := reconstructor.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &ToolError{ExitCode: -1, Output: tailBuf.String(), Err: ctxErr}
	}
	if err != nil {
		return &ToolError{ExitCode: -1, Output: tailBuf.String(), Err: err}
	}
	if code != 0 {
		return &ToolError{ExitCode: code, Output: tailBuf.String()}
	}
	if dropped := tailBuf.Dropped(); dropped > 0 {
		o.log.Debugf("Reconstructor output exceeded tail buffer, %s dropped", units.HumanSize(float64(dropped)))
	}
	o.log.Infof("Reconstructor finished in %s", time.Since(started).Round(time.Millisecond))
	return nil
}

// IsToolError reports whether err is a reconstructor failure.
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}
