package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCloneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clone <url>",
		Short: "Clone a repository as a bare repo plus its primary worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ack, err := postJSON("/api/v1/clone", map[string]string{"url": args[0]})
			if err != nil {
				return err
			}
			return printAck(ack)
		},
	}
}

func newWorktreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Add or remove worktrees for a cloned repository",
	}
	cmd.AddCommand(newWorktreeAddCmd(), newWorktreeRmCmd())
	return cmd
}

func newWorktreeAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <repo-id> <branch>",
		Short: "Create a worktree checked out at branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ack, err := postJSON("/api/v1/worktrees", map[string]string{
				"repo_id": args[0],
				"branch":  args[1],
			})
			if err != nil {
				return err
			}
			return printAck(ack)
		},
	}
}

func newWorktreeRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <repo-id> <path>",
		Short: "Remove a worktree by its filesystem path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ack, err := deleteJSON("/api/v1/worktrees", map[string]string{
				"repo_id": args[0],
				"path":    args[1],
			})
			if err != nil {
				return err
			}
			return printAck(ack)
		},
	}
}

func newRepoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage cloned repositories",
	}
	cmd.AddCommand(newRepoRmCmd())
	return cmd
}

func newRepoRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <repo-id>",
		Short: "Remove a repository and all of its worktrees",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ack, err := deleteJSON("/api/v1/repositories/"+args[0], nil)
			if err != nil {
				return err
			}
			return printAck(ack)
		},
	}
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <repo-id>",
		Short: "Re-probe a repository's worktree git status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ack, err := postJSON("/api/v1/repositories/"+args[0]+"/refresh", nil)
			if err != nil {
				return err
			}
			return printAck(ack)
		},
	}
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current fleet snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap struct {
				Repositories []struct {
					ID            string `json:"id"`
					Username      string `json:"username"`
					Name          string `json:"name"`
					DefaultBranch string `json:"default_branch"`
					Worktrees     []struct {
						Path   string `json:"path"`
						Branch string `json:"branch"`
						Status string `json:"status"`
						Dirty  bool   `json:"dirty"`
					} `json:"worktrees"`
				} `json:"repositories"`
			}
			if err := getJSON("/api/v1/snapshot", &snap); err != nil {
				return err
			}

			for _, repo := range snap.Repositories {
				fmt.Printf("%s/%s (default: %s)\n", repo.Username, repo.Name, repo.DefaultBranch)
				for _, wt := range repo.Worktrees {
					dirty := ""
					if wt.Dirty {
						dirty = " *dirty"
					}
					fmt.Printf("  %-24s %s%s\n", wt.Branch, wt.Status, dirty)
				}
			}
			return nil
		},
	}
	return cmd
}
