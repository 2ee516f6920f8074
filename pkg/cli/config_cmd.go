package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/getmockd/netwatch/pkg/cli/internal/output"
	"github.com/getmockd/netwatch/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration after defaults, the config file,
environment variables and flags are applied, and where each value came from.`,
	RunE: runConfigShow,
}

// ConfigOutput is the --json form of the config command.
type ConfigOutput struct {
	ConfigFile string            `json:"configFile,omitempty"`
	Config     *config.Config    `json:"config"`
	Sources    map[string]string `json:"sources"`
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if jsonOutput {
		return output.JSON(cmd.OutOrStdout(), ConfigOutput{
			ConfigFile: cfg.ConfigFile,
			Config:     cfg,
			Sources:    cfg.Sources,
		})
	}

	out := cmd.OutOrStdout()
	if cfg.ConfigFile != "" {
		fmt.Fprintf(out, "# config file: %s\n", cfg.ConfigFile)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	if _, err := out.Write(data); err != nil {
		return err
	}

	if len(cfg.Sources) > 0 {
		fmt.Fprintln(out)
		tw := output.Table(out)
		fmt.Fprintln(tw, "KEY\tSOURCE")
		keys := make([]string, 0, len(cfg.Sources))
		for k := range cfg.Sources {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(tw, "%s\t%s\n", k, cfg.Sources[k])
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if err := cfg.Validate(); err != nil {
		output.Warn("configuration is invalid: %v", err)
	}
	return nil
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the default values",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.LocalConfigFileName
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}

		data, err := yaml.Marshal(config.Default())
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
