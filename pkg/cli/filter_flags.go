package cli

import (
	"github.com/spf13/cobra"

	"github.com/getmockd/netwatch/pkg/cli/internal/flags"
	"github.com/getmockd/netwatch/pkg/config"
	"github.com/getmockd/netwatch/pkg/filter"
)

// filterFlags are the observation filter flags shared by several commands.
type filterFlags struct {
	includeHosts flags.StringSlice
	excludeHosts flags.StringSlice
	includePaths flags.StringSlice
	excludePaths flags.StringSlice
	when         string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().Var(&f.includeHosts, "include-host", "Observe only hosts matching this glob (repeatable)")
	cmd.Flags().Var(&f.excludeHosts, "exclude-host", "Never observe hosts matching this glob (repeatable)")
	cmd.Flags().Var(&f.includePaths, "include-path", "Observe only paths matching this glob (repeatable)")
	cmd.Flags().Var(&f.excludePaths, "exclude-path", "Never observe paths matching this glob (repeatable)")
	cmd.Flags().StringVar(&f.when, "when", "", `Observe responses only when this expression holds (e.g. 'status >= 400')`)
}

// apply layers the flags that were set over cfg.Filter.
func (f *filterFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string, dst *[]string, v flags.StringSlice) {
		if cmd.Flags().Changed(name) {
			*dst = v.GetSlice()
			cfg.SetSource("filter."+name, config.SourceFlag)
		}
	}
	set("include-host", &cfg.Filter.IncludeHosts, f.includeHosts)
	set("exclude-host", &cfg.Filter.ExcludeHosts, f.excludeHosts)
	set("include-path", &cfg.Filter.IncludePaths, f.includePaths)
	set("exclude-path", &cfg.Filter.ExcludePaths, f.excludePaths)
	if cmd.Flags().Changed("when") {
		cfg.Filter.When = f.when
		cfg.SetSource("filter.when", config.SourceFlag)
	}
}

// buildFilter returns the filter, or nil when nothing is configured.
func buildFilter(cfg filter.Config) (*filter.Filter, error) {
	if len(cfg.IncludeHosts)+len(cfg.ExcludeHosts)+len(cfg.IncludePaths)+len(cfg.ExcludePaths) == 0 && cfg.When == "" {
		return nil, nil
	}
	return filter.New(cfg)
}
