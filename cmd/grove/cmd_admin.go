package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/odvcencio/grove/pkg/revlog"
)

func newDebugIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debugindex",
		Short: "Dump the changelog index",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			log := r.ChangelogLog()
			if log == nil {
				return fmt.Errorf("the %s layout keeps no revision log", r.Layout)
			}
			fmt.Printf("%6s %10s %8s %8s %6s %6s %6s %6s  %s\n",
				"rev", "offset", "length", "size", "base", "link", "p1", "p2", "node")
			for rev := revlog.Rev(0); int(rev) < log.Len(); rev++ {
				e, err := log.Index(rev)
				if err != nil {
					return err
				}
				fmt.Printf("%6d %10d %8d %8d %6d %6d %6d %6d  %s\n",
					rev, e.Offset, e.Length, e.RawSize, e.Base, e.Link, e.P1, e.P2, e.Node.Short())
			}
			return nil
		},
	}
	addRepoFlag(cmd)
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the repository to another storage layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("migrate: --to is required")
			}
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := r.Lock(); err != nil {
				return err
			}
			defer r.Unlock()
			if err := r.Migrate(ctx, target); err != nil {
				return err
			}
			fmt.Printf("repository now uses the %s layout\n", r.Layout)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target layout: revlog, doublewrite, full, lazy")
	addRepoFlag(cmd)
	return cmd
}

func newStripCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strip <rev>",
		Short: "Remove a revision and all its descendants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rev, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("strip: bad revision %q", args[0])
			}
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			if err := r.Lock(); err != nil {
				return err
			}
			defer r.Unlock()
			before := r.Changelog.Len()
			if err := r.Changelog.Strip(revlog.Rev(rev)); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "stripped %d revisions\n", before-r.Changelog.Len())
			return nil
		},
	}
	addRepoFlag(cmd)
	return cmd
}
