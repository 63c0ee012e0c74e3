package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/grove/pkg/repo"
	"github.com/odvcencio/grove/pkg/revlog"
)

// openRepo opens the repository named by --repo or the current directory.
func openRepo(cmd *cobra.Command) (*repo.Repo, error) {
	dir, _ := cmd.Flags().GetString("repo")
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dir = wd
	}
	return repo.Open(dir, repo.OpenOptions{})
}

func addRepoFlag(cmd *cobra.Command) {
	cmd.Flags().String("repo", "", "repository directory (default: current directory)")
}

func newInitCmd() *cobra.Command {
	var layout string
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a new repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			r, err := repo.Init(dir, layout)
			if err != nil {
				return err
			}
			fmt.Printf("initialized %s repository in %s\n", r.Layout, r.Dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&layout, "layout", "revlog", "storage layout: revlog, doublewrite, full, lazy")
	return cmd
}

func newTipCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tip",
		Short: "Print the tip commit node",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			tip := r.Changelog.Tip()
			if tip.IsNull() {
				fmt.Println("(empty repository)")
				return nil
			}
			fmt.Println(tip.Hex())
			return nil
		},
	}
	addRepoFlag(cmd)
	return cmd
}

func newHeadsCmd() *cobra.Command {
	var visibleOnly bool
	cmd := &cobra.Command{
		Use:   "heads",
		Short: "List head commits",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			if visibleOnly {
				heads, err := r.Visibility.Heads()
				if err != nil {
					return err
				}
				for _, n := range heads {
					fmt.Println(n.Hex())
				}
				return nil
			}
			revs, err := r.Changelog.HeadRevs()
			if err != nil {
				return err
			}
			for _, rev := range revs {
				n, err := r.Changelog.Node(rev)
				if err != nil {
					return err
				}
				fmt.Printf("%d:%s\n", rev, n.Hex())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&visibleOnly, "visible", false, "list only visible non-public heads")
	addRepoFlag(cmd)
	return cmd
}

func newLogCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show commit history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			shown := 0
			for rev := revlog.Rev(r.Changelog.Len() - 1); rev >= 0; rev-- {
				if limit > 0 && shown >= limit {
					break
				}
				rec, err := r.Changelog.Revision(rev)
				if err != nil {
					return err
				}
				n, err := r.Changelog.Node(rev)
				if err != nil {
					return err
				}
				branch, err := rec.Branch()
				if err != nil {
					return err
				}
				summary, _, _ := strings.Cut(rec.Description(), "\n")
				fmt.Printf("%d:%s  %s  %s  %s\n", rev, n.Short(), branch, rec.User(), summary)
				shown++
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of commits to show")
	addRepoFlag(cmd)
	return cmd
}
