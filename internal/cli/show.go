package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"cruisectl/internal/cruise"
)

// ShowResult summarizes one cruise definition.
type ShowResult struct {
	Cruise      string                       `json:"cruise"`
	Start       string                       `json:"start,omitempty"`
	End         string                       `json:"end,omitempty"`
	Modes       []string                     `json:"modes"`
	DefaultMode string                       `json:"default_mode,omitempty"`
	Mode        string                       `json:"mode,omitempty"`
	Loggers     map[string]cruise.LoggerSpec `json:"loggers"`
	Assignment  map[string]string            `json:"assignment"`
}

func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show FILE",
		Short: "Print the modes, loggers and starting assignment of a cruise",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			srv, id, err := loadInto(ctx, args[0])
			if srv != nil {
				defer srv.Close()
			}
			if err != nil {
				return err
			}

			res := ShowResult{Cruise: id, Assignment: map[string]string{}}
			def, err := srv.CruiseDefinition(ctx, id)
			if err != nil {
				return err
			}
			res.Start, res.End = def.Cruise.Start, def.Cruise.End
			if res.Modes, err = srv.Modes(ctx, id); err != nil {
				return err
			}
			if res.DefaultMode, err = srv.DefaultMode(ctx, id); err != nil {
				return err
			}
			if res.Mode, err = srv.Mode(ctx, id); err != nil {
				return err
			}
			if res.Loggers, err = srv.Loggers(ctx, id); err != nil {
				return err
			}
			live, err := srv.Configs(ctx, id, "")
			if err != nil {
				return err
			}
			for logger, cfg := range live {
				res.Assignment[logger] = cfg.Name
			}

			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			printShow(cmd, res)
			return nil
		},
	}
}

func printShow(cmd *cobra.Command, res ShowResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "cruise:  %s\n", res.Cruise)
	if res.Start != "" || res.End != "" {
		fmt.Fprintf(out, "period:  %s .. %s\n", res.Start, res.End)
	}
	fmt.Fprintf(out, "modes:   %s\n", strings.Join(res.Modes, ", "))
	mode := res.Mode
	if mode == "" {
		mode = "(none)"
	}
	fmt.Fprintf(out, "mode:    %s\n", mode)

	names := make([]string, 0, len(res.Loggers))
	for name := range res.Loggers {
		names = append(names, name)
	}
	slices.Sort(names)
	fmt.Fprintln(out, "loggers:")
	for _, name := range names {
		cfg := res.Assignment[name]
		if cfg == "" {
			cfg = "-"
		}
		fmt.Fprintf(out, "  %-12s %-12s [%s]\n", name, cfg, strings.Join(res.Loggers[name].Configs, " "))
	}
}
