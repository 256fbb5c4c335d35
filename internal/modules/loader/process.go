package loader

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
	"github.com/mantonx/imgvault/internal/modules/manifest"
	"github.com/mantonx/imgvault/sdk"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessLoader starts executable modules as go-plugin subprocesses and
// talks to them over gRPC.
type ProcessLoader struct {
	logger       hclog.Logger
	startTimeout time.Duration
}

func NewProcessLoader(logger hclog.Logger, startTimeout time.Duration) *ProcessLoader {
	if startTimeout <= 0 {
		startTimeout = 10 * time.Second
	}
	return &ProcessLoader{logger: logger.Named("process"), startTimeout: startTimeout}
}

func (l *ProcessLoader) Name() string { return "process" }

// CanLoad accepts any entry that is not claimed by another loader; Set
// consults it last.
func (l *ProcessLoader) CanLoad(entry string) bool {
	return entry != "" && !strings.HasPrefix(entry, sdk.BuiltinPrefix)
}

func (l *ProcessLoader) Load(ctx context.Context, dir string, m *manifest.Manifest) (Implementation, error) {
	path := filepath.Join(dir, m.Entry)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", m.Entry, err)
	}
	if info.IsDir() || info.Mode().Perm()&0111 == 0 {
		return nil, fmt.Errorf("entry %s is not executable", m.Entry)
	}

	logger := l.logger.Named(m.Name)

	cmd := exec.Command(path)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"IMGVAULT_MODULE_NAME="+m.Name,
		"IMGVAULT_MODULE_DIR="+dir,
		"IMGVAULT_LOG_LEVEL="+logLevelName(l.logger),
	)

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: sdk.Handshake,
		Plugins: map[string]goplugin.Plugin{
			sdk.PluginName: &sdk.ModulePlugin{},
		},
		Cmd:              cmd,
		Logger:           logger,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolGRPC},
		StartTimeout:     l.startTimeout,
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to start module process: %w", err)
	}

	raw, err := rpcClient.Dispense(sdk.PluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense module: %w", err)
	}

	grpcClient, ok := raw.(*sdk.GRPCClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("unexpected module client type %T", raw)
	}

	err = grpcClient.Configure(ctx, sdk.Manifest{
		Name:     m.Name,
		Version:  m.Version,
		Entry:    m.Entry,
		Settings: manifest.CopySettings(m.Settings),
	})
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to configure module: %w", err)
	}

	desc, err := grpcClient.Describe(ctx)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to describe module: %w", err)
	}

	logger.Debug("module process started", "capabilities", desc.Capabilities)
	return &processImplementation{client: client, rpc: grpcClient, desc: desc}, nil
}

type processImplementation struct {
	client *goplugin.Client
	rpc    *sdk.GRPCClient
	desc   *sdk.Description

	closeOnce sync.Once
}

func (p *processImplementation) Exports() []string {
	return append([]string(nil), p.desc.Capabilities...)
}

func (p *processImplementation) ReportedCapabilities() ([]string, bool) {
	return p.Exports(), true
}

func (p *processImplementation) Invoke(ctx context.Context, function string, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	if p.client.Exited() {
		return nil, fmt.Errorf("module process has exited")
	}
	return p.rpc.Invoke(ctx, function, artifact, settings)
}

func (p *processImplementation) Hook(ctx context.Context, name string) error {
	for _, h := range p.desc.Hooks {
		if h == name {
			if p.client.Exited() {
				return fmt.Errorf("module process has exited")
			}
			return p.rpc.Hook(ctx, name)
		}
	}
	return nil
}

func (p *processImplementation) Close() error {
	p.closeOnce.Do(p.client.Kill)
	return nil
}

func (p *processImplementation) Resources() (*Resources, error) {
	reattach := p.client.ReattachConfig()
	if reattach == nil || p.client.Exited() {
		return nil, fmt.Errorf("module process is not running")
	}
	return processResources(int32(reattach.Pid))
}

func processResources(pid int32) (*Resources, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect process %d: %w", pid, err)
	}

	res := &Resources{PID: pid}
	if mem, err := proc.MemoryInfo(); err == nil {
		res.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		res.CPUPercent = cpu
	}
	if threads, err := proc.NumThreads(); err == nil {
		res.Threads = threads
	}
	return res, nil
}

func logLevelName(l hclog.Logger) string {
	switch {
	case l.IsTrace():
		return "trace"
	case l.IsDebug():
		return "debug"
	case l.IsInfo():
		return "info"
	case l.IsWarn():
		return "warn"
	default:
		return "error"
	}
}
