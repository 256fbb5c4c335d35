package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mantonx/imgvault/internal/modules/host"
	"github.com/mantonx/imgvault/internal/modules/manifest"
	"github.com/mantonx/imgvault/internal/modules/storage"
)

func newModulesCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "modules",
		Aliases: []string{"module", "mod"},
		Short:   "Manage installed processing modules",
	}

	cmd.AddCommand(
		newModulesListCmd(flags),
		newModulesInstallCmd(flags),
		newModulesToggleCmd(flags),
		newModulesReloadCmd(flags),
		newModulesDeleteCmd(flags),
		newModulesSettingsCmd(flags),
		newModulesDepsCmd(flags),
		newModulesValidateCmd(flags),
	)
	return cmd
}

func newModulesListCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	var fileType string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List modules with their status and capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withRuntime(cmd.Context(), func(rt *host.Runtime) error {
				ctx := cmd.Context()
				out := cmd.OutOrStdout()

				if fileType != "" {
					manifests, err := rt.Service.GetModulesByFileType(ctx, fileType)
					if err != nil {
						return err
					}
					if asJSON {
						return printJSON(out, manifests)
					}
					for _, m := range manifests {
						fmt.Fprintln(out, m.Name)
					}
					return nil
				}

				modules, err := rt.Service.ListModules(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, modules)
				}

				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tVERSION\tSTATUS\tCAPABILITIES\tERROR")
				for _, m := range modules {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						m.Name, m.Manifest.Version, m.Status, strings.Join(m.Capabilities, ","), m.Error)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().StringVar(&fileType, "type", "", "only enabled modules accepting this file extension")
	return cmd
}

func newModulesInstallCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "install <dir>",
		Short: "Install a module from a local directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			return flags.withRuntime(cmd.Context(), func(rt *host.Runtime) error {
				res, err := rt.Service.InstallModule(cmd.Context(), src)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s %s\n", res.Manifest.Name, res.Manifest.Version)
				if res.DependencyError != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: dependencies not installed: %s\n", res.DependencyError)
				}
				return nil
			})
		},
	}
}

func newModulesToggleCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <name>",
		Short: "Enable a disabled module or disable an enabled one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withRuntime(cmd.Context(), func(rt *host.Runtime) error {
				lm, err := rt.Service.ToggleModule(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", lm.Name, lm.Status)
				return nil
			})
		},
	}
}

func newModulesReloadCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reload <name>",
		Short: "Re-read a module manifest and reload its code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withRuntime(cmd.Context(), func(rt *host.Runtime) error {
				lm, err := rt.Service.ReloadModule(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", lm.Name, lm.Status)
				if lm.Error != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), lm.Error)
				}
				return nil
			})
		},
	}
}

func newModulesDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm", "uninstall"},
		Short:   "Uninstall a module and remove its directory",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withRuntime(cmd.Context(), func(rt *host.Runtime) error {
				if err := rt.Service.DeleteModule(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newModulesSettingsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "settings <name> [json]",
		Short: "Show module settings, or merge a JSON object into them",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var partial map[string]interface{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &partial); err != nil {
					return fmt.Errorf("settings must be a JSON object: %w", err)
				}
			}

			return flags.withRuntime(cmd.Context(), func(rt *host.Runtime) error {
				ctx := cmd.Context()
				if partial == nil {
					lm, ok, err := rt.Service.GetModule(ctx, args[0])
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("module %s not found", args[0])
					}
					return printJSON(cmd.OutOrStdout(), lm.Manifest.Settings)
				}

				lm, err := rt.Service.UpdateModuleSettings(ctx, args[0], partial)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), lm.Manifest.Settings)
			})
		},
	}
}

func newModulesDepsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "deps <name>",
		Short: "Install the declared dependencies of a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withRuntime(cmd.Context(), func(rt *host.Runtime) error {
				if err := rt.Service.InstallDependencies(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dependencies installed for %s\n", args[0])
				return nil
			})
		},
	}
}

// validate does not start a runtime: it only checks manifests against the
// schema, either for the given directories or every module directory.
func newModulesValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir...]",
		Short: "Check module manifests against the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			validator, err := manifest.NewValidator(cfg.Modules.HostVersion)
			if err != nil {
				return err
			}

			dirs := args
			if len(dirs) == 0 {
				store := storage.New(cfg.Modules.Dir)
				names, err := store.ListModuleDirectories()
				if err != nil {
					return err
				}
				for _, name := range names {
					dirs = append(dirs, store.ModulePath(name))
				}
			}

			failed := 0
			for _, dir := range dirs {
				m, err := validator.ValidateFile(filepath.Join(dir, manifest.FileName))
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "✗ %s: %v\n", dir, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s (%s %s)\n", dir, m.Name, m.Version)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d manifests invalid", failed, len(dirs))
			}
			return nil
		},
	}
}
