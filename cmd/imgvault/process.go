package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mantonx/imgvault/internal/modules/host"
	"github.com/mantonx/imgvault/internal/modules/pipeline"
)

func newProcessCmd(flags *globalFlags) *cobra.Command {
	var (
		module   string
		function string
		settings string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "process <file|->",
		Short: "Run an image through the processing pipeline",
		Long: "Runs the file through every enabled module that accepts its type, " +
			"or through a single module with --module.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			artifact, err := readFileArg(args[0])
			if err != nil {
				return err
			}

			var req *pipeline.Request
			if module != "" {
				req = &pipeline.Request{TargetModule: module, FunctionName: function}
				if settings != "" {
					if err := json.Unmarshal([]byte(settings), &req.Settings); err != nil {
						return fmt.Errorf("settings must be a JSON object: %w", err)
					}
				}
			}

			return flags.withRuntime(cmd.Context(), func(rt *host.Runtime) error {
				res, err := rt.Service.ProcessUpload(cmd.Context(), artifact, req)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.ErrOrStderr(), "%s -> %s, %d -> %d bytes, applied: %s\n",
					res.InputMIME, res.OutputMIME, res.InputBytes, res.OutputBytes, strings.Join(res.Applied, ","))

				if output == "" || output == "-" {
					_, err = cmd.OutOrStdout().Write(res.Data)
					return err
				}
				return os.WriteFile(output, res.Data, 0644)
			})
		},
	}

	cmd.Flags().StringVarP(&module, "module", "m", "", "run only this module")
	cmd.Flags().StringVarP(&function, "function", "f", "", "operation to call on --module (default processImage)")
	cmd.Flags().StringVarP(&settings, "settings", "s", "", "JSON settings passed to --module")
	cmd.Flags().StringVarP(&output, "out", "o", "", "output file (default stdout)")
	return cmd
}

func readFileArg(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
