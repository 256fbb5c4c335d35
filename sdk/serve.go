package sdk

import (
	"os"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
)

// Serve runs a subprocess module. It blocks until the host disconnects.
func Serve(factory Factory) {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "module",
		Level:      hclog.LevelFromString(os.Getenv("IMGVAULT_LOG_LEVEL")),
		Output:     os.Stderr,
		JSONFormat: true,
	})

	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: goplugin.PluginSet{
			PluginName: &ModulePlugin{Factory: factory},
		},
		GRPCServer: goplugin.DefaultGRPCServer,
		Logger:     logger,
	})
}
