// Package pipeline threads artifacts through loaded modules. A failing or
// hung module never aborts the pipeline: its step passes the input through.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/imgvault/internal/modules/capability"
	"github.com/mantonx/imgvault/internal/modules/manifest"
	"github.com/mantonx/imgvault/internal/modules/registry"
	"github.com/mantonx/imgvault/internal/stats"
	"github.com/mantonx/imgvault/sdk"
)

// DefaultCallTimeout bounds a single module invocation.
const DefaultCallTimeout = 30 * time.Second

// FunctionNameSetting is the settings key that selects a named operation.
const FunctionNameSetting = "functionName"

// Source provides the modules to run. *registry.Registry satisfies it.
type Source interface {
	Loaded() []registry.Handle
	Lookup(name string) (registry.Handle, bool)
}

// Request targets a single module. A nil request broadcasts.
type Request struct {
	TargetModule string
	FunctionName string
	Settings     map[string]interface{}
}

// Options configures a Pipeline
type Options struct {
	Source      Source
	Recorder    stats.Recorder
	Logger      hclog.Logger
	CallTimeout time.Duration
}

// Pipeline runs module operations over artifacts
type Pipeline struct {
	source   Source
	recorder stats.Recorder
	logger   hclog.Logger
	timeout  time.Duration
}

// New creates a pipeline
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Pipeline{
		source:   opts.Source,
		recorder: opts.Recorder,
		logger:   logger.Named("pipeline"),
		timeout:  timeout,
	}
}

// Process runs the artifact through one module or, without a target, every
// loaded module that can process images in registry order.
func (p *Pipeline) Process(ctx context.Context, artifact []byte, req *Request) []byte {
	if req == nil || req.TargetModule == "" {
		return p.broadcast(ctx, artifact)
	}
	return p.targeted(ctx, artifact, req)
}

// ProcessWithModule runs a single module. settings["functionName"] picks
// the operation.
func (p *Pipeline) ProcessWithModule(ctx context.Context, name string, artifact []byte, settings map[string]interface{}) []byte {
	req := &Request{TargetModule: name, Settings: settings}
	if fn, ok := settings[FunctionNameSetting].(string); ok {
		req.FunctionName = fn
	}
	return p.Process(ctx, artifact, req)
}

func (p *Pipeline) broadcast(ctx context.Context, artifact []byte) []byte {
	current := artifact
	for _, h := range p.source.Loaded() {
		if !capability.CanProcess(h.Capabilities) {
			continue
		}
		current = p.step(ctx, h, sdk.OpProcessImage, current, h.Manifest.Settings)
	}
	return current
}

func (p *Pipeline) targeted(ctx context.Context, artifact []byte, req *Request) []byte {
	h, ok := p.source.Lookup(req.TargetModule)
	if !ok {
		p.logger.Debug("target module not loaded", "module", req.TargetModule)
		return artifact
	}

	function := sdk.OpProcessImage
	if Dispatchable(h.Manifest, h.Capabilities, req.FunctionName) {
		function = req.FunctionName
	} else if req.FunctionName != "" && req.FunctionName != sdk.OpProcessImage {
		p.logger.Debug("function not dispatchable, using default", "module", h.Name, "function", req.FunctionName)
	}
	if !capability.Has(h.Capabilities, function) {
		p.logger.Debug("module cannot run operation", "module", h.Name, "function", function)
		return artifact
	}

	settings := req.Settings
	if len(settings) == 0 {
		settings = h.Manifest.Settings
	}
	return p.step(ctx, h, function, artifact, settings)
}

// Dispatchable reports whether function may be invoked by name on a module.
// Hooks and the factory never are; a declared exposedFunctions list narrows
// the allowed names further.
func Dispatchable(m *manifest.Manifest, caps []string, function string) bool {
	if !capability.Dispatchable(caps, function) {
		return false
	}
	return m == nil || m.Exposes(function)
}

type callResult struct {
	out []byte
	err error
}

// step runs one invocation in its own goroutine raced against the call
// timeout. The input is returned on any failure.
func (p *Pipeline) step(ctx context.Context, h registry.Handle, function string, input []byte, settings map[string]interface{}) []byte {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	arg := append([]byte{}, input...)
	callSettings := manifest.CopySettings(settings)
	if callSettings == nil {
		callSettings = map[string]interface{}{}
	}

	done := make(chan callResult, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("module panicked: %v", r)}
			}
		}()
		out, err := h.Impl.Invoke(callCtx, function, arg, callSettings)
		done <- callResult{out: out, err: err}
	}()

	var (
		res     callResult
		outcome = stats.OutcomeSuccess
	)
	select {
	case res = <-done:
		if res.err != nil {
			outcome = stats.OutcomeFailure
			if errors.Is(res.err, context.DeadlineExceeded) {
				outcome = stats.OutcomeTimeout
			}
		}
	case <-callCtx.Done():
		res.err = callCtx.Err()
		outcome = stats.OutcomeTimeout
		if errors.Is(res.err, context.Canceled) {
			outcome = stats.OutcomeFailure
		}
	}
	elapsed := time.Since(start)

	inv := stats.Invocation{
		Module:   h.Name,
		Function: function,
		Outcome:  outcome,
		Duration: elapsed,
	}
	if res.err != nil {
		inv.Error = res.err.Error()
		p.logger.Warn("module call failed, passing input through",
			"module", h.Name, "function", function, "outcome", outcome, "error", res.err)
	}
	if p.recorder != nil {
		p.recorder.Record(context.WithoutCancel(ctx), inv)
	}

	if res.err != nil || res.out == nil {
		return input
	}
	return res.out
}
