package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/agentuity/go-cachelib/cache"
	"github.com/agentuity/go-cachelib/config"
	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("key not found")

// parseValue reads a value as YAML so numbers, lists and maps keep their type.
func parseValue(arg string, raw bool) (any, error) {
	if raw {
		return arg, nil
	}
	var v any
	if err := yaml.Unmarshal([]byte(arg), &v); err != nil {
		return nil, errors.Wrap(err, "value is not valid yaml, use --raw to store it as a string")
	}
	return v, nil
}

func printValue(cmd *cobra.Command, v any) error {
	switch val := v.(type) {
	case string:
		fmt.Fprintln(cmd.OutOrStdout(), val)
		return nil
	case []byte:
		fmt.Fprintln(cmd.OutOrStdout(), string(val))
		return nil
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY...",
		Short: "Print the value of one or more keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: withCache(func(cmd *cobra.Command, c cache.Cache, _ *config.Config, args []string) error {
			if len(args) == 1 {
				val, found := c.Get(cmd.Context(), args[0])
				if !found {
					return errors.Wrapf(ErrNotFound, "%q", args[0])
				}
				return printValue(cmd, val)
			}
			return printValue(cmd, c.GetDict(cmd.Context(), args...))
		}),
	}
}

func newSetCommand(use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " KEY VALUE",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: withCache(func(cmd *cobra.Command, c cache.Cache, _ *config.Config, args []string) error {
			raw, _ := cmd.Flags().GetBool("raw")
			val, err := parseValue(args[1], raw)
			if err != nil {
				return err
			}
			timeout, err := timeoutArgs(cmd)
			if err != nil {
				return err
			}
			var ok bool
			if use == "add" {
				ok = c.Add(cmd.Context(), args[0], val, timeout...)
			} else {
				ok = c.Set(cmd.Context(), args[0], val, timeout...)
			}
			if !ok {
				return errors.Newf("%s %q was not stored", use, args[0])
			}
			return nil
		}),
	}
	cmd.Flags().String("timeout", "", "lifetime such as 90s or 1d; 0 never expires (default: the cache default)")
	cmd.Flags().Bool("raw", false, "store the value as a plain string")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY...",
		Short: "Remove keys and print the ones that existed",
		Args:  cobra.MinimumNArgs(1),
		RunE: withCache(func(cmd *cobra.Command, c cache.Cache, _ *config.Config, args []string) error {
			for _, key := range c.DeleteMany(cmd.Context(), args...) {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		}),
	}
}

func newHasCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "has KEY",
		Short: "Exit with an error unless the key holds a live value",
		Args:  cobra.ExactArgs(1),
		RunE: withCache(func(cmd *cobra.Command, c cache.Cache, _ *config.Config, args []string) error {
			if !c.Has(cmd.Context(), args[0]) {
				return errors.Wrapf(ErrNotFound, "%q", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), "true")
			return nil
		}),
	}
}

func newCounterCommand(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " KEY [DELTA]",
		Short: short,
		Args:  cobra.RangeArgs(1, 2),
		RunE: withCache(func(cmd *cobra.Command, c cache.Cache, _ *config.Config, args []string) error {
			delta := int64(1)
			if len(args) == 2 {
				n, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return errors.Wrapf(err, "invalid delta %q", args[1])
				}
				delta = n
			}
			var n int64
			var ok bool
			if use == "dec" {
				n, ok = c.Dec(cmd.Context(), args[0], delta)
			} else {
				n, ok = c.Inc(cmd.Context(), args[0], delta)
			}
			if !ok {
				return errors.Newf("cannot %s %q", use, args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		}),
	}
}

func newClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every entry",
		Args:  cobra.NoArgs,
		RunE: withCache(func(cmd *cobra.Command, c cache.Cache, _ *config.Config, _ []string) error {
			if !c.Clear(cmd.Context()) {
				return errors.New("clear failed")
			}
			return nil
		}),
	}
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the entry count and, for the filesystem backend, disk usage",
		Args:  cobra.NoArgs,
		RunE: withCache(func(cmd *cobra.Command, c cache.Cache, cfg *config.Config, _ []string) error {
			var lines []string
			lines = append(lines, "backend: "+cfg.Backend)
			if sizer, ok := c.(cache.Sizer); ok {
				if n, ok := sizer.Len(cmd.Context()); ok {
					lines = append(lines, fmt.Sprintf("entries: %d", n))
				}
			}
			if cfg.Backend == config.BackendFileSystem {
				usage, err := disk.UsageWithContext(cmd.Context(), cfg.FileSystem.Dir)
				if err != nil {
					return errors.Wrap(err, "disk usage")
				}
				lines = append(lines,
					"dir: "+cfg.FileSystem.Dir,
					fmt.Sprintf("disk_used_percent: %.1f", usage.UsedPercent),
					fmt.Sprintf("disk_free_bytes: %d", usage.Free),
				)
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(lines, "\n"))
			return nil
		}),
	}
}
