package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/swarmmail/internal/cli"
)

// initCmd writes a config file and a project key. With only --keys-file it
// just appends a key to that file.
func initCmd() *cobra.Command {
	var (
		opts     cli.InitOptions
		keysFile string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a config file and an API key for a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if keysFile != "" && opts.Dir == "" {
				key, err := cli.InitKeysFile(keysFile, opts.Project)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "keys file: %s\nproject:   %s\napi key:   %s\n", keysFile, opts.Project, key)
				return nil
			}
			res, err := cli.Init(opts)
			if err != nil {
				return err
			}
			if res.ConfigCreated {
				fmt.Fprintf(out, "config:    %s\n", res.ConfigPath)
			} else {
				fmt.Fprintf(out, "config:    %s (kept, use --force to overwrite)\n", res.ConfigPath)
			}
			fmt.Fprintf(out, "keys file: %s\nproject:   %s\napi key:   %s\n", res.KeysPath, opts.Project, res.Key)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Project, "project", "", "project key the API key is bound to")
	f.StringVar(&opts.Dir, "dir", "", "directory for config and keys (defaults to $SWARMMAIL_HOME)")
	f.StringVar(&opts.Driver, "driver", "", "database driver: sqlite or postgres")
	f.StringVar(&opts.DSN, "dsn", "", "postgres connection string")
	f.BoolVar(&opts.Force, "force", false, "overwrite an existing config file")
	f.StringVar(&keysFile, "keys-file", "", "only add a key to this keys file")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
