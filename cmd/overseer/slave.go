package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"overseer/internal/config"
	"overseer/internal/directory"
	"overseer/pkg/logx"
)

// openDirectory opens the directory named by the config's storage section.
func openDirectory(ctx context.Context, cfgPath string) (*directory.SQLite, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return directory.Open(ctx, directory.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, logx.Nop())
}

// readPassword takes the flag value, or the first line of in when the
// flag is empty or "-".
func readPassword(flagValue string, in io.Reader) (string, error) {
	if flagValue != "" && flagValue != "-" {
		return flagValue, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("password is empty")
	}
	return pw, nil
}

func newSlaveCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slave",
		Short: "Manage slave credentials",
	}
	cmd.AddCommand(
		newSlaveAddCmd(cfgPath),
		newSlavePasswdCmd(cfgPath),
		newSlaveRmCmd(cfgPath),
		newSlaveListCmd(cfgPath),
	)
	return cmd
}

func newSlaveAddCmd(cfgPath *string) *cobra.Command {
	var password, ip string
	var owner int64
	cmd := &cobra.Command{
		Use:   "add <nickname>",
		Short: "Register a slave; the password is read from stdin unless --password is set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(password, cmd.InOrStdin())
			if err != nil {
				return err
			}
			dir, err := openDirectory(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer dir.Close()

			err = dir.AddSlave(cmd.Context(), directory.Slave{
				Nickname:     args[0],
				PasswordHash: directory.HashPassword(pw),
				IP:           ip,
				Owner:        owner,
			})
			if errors.Is(err, directory.ErrExists) {
				return fmt.Errorf("slave %q already exists (use `slave passwd`)", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "slave password (\"-\" reads stdin)")
	cmd.Flags().StringVar(&ip, "ip", "", "informational address of the slave")
	cmd.Flags().Int64Var(&owner, "owner", 0, "chat user id of the slave's owner")
	return cmd
}

func newSlavePasswdCmd(cfgPath *string) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "passwd <nickname>",
		Short: "Replace a slave's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(password, cmd.InOrStdin())
			if err != nil {
				return err
			}
			dir, err := openDirectory(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer dir.Close()

			if err := dir.SetSlavePassword(cmd.Context(), args[0], directory.HashPassword(pw)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "password updated for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "new password (\"-\" reads stdin)")
	return cmd
}

func newSlaveRmCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <nickname>",
		Short: "Remove a slave and its subscriptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := openDirectory(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer dir.Close()

			if err := dir.RemoveSlave(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func newSlaveListCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered slaves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := openDirectory(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer dir.Close()

			slaves, err := dir.ListSlaves(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NICKNAME\tIP\tOWNER\tCREATED")
			for _, s := range slaves {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.Nickname, s.IP, s.Owner, s.CreatedAt.Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [password]",
		Short: "Print the stored form of a password",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := ""
			if len(args) == 1 {
				raw = args[0]
			}
			pw, err := readPassword(raw, cmd.InOrStdin())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), directory.HashPassword(pw))
			return nil
		},
	}
}
