package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trakhq/trak/internal/lock"
	"github.com/trakhq/trak/internal/ui"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Manage workspace locks",
}

func mustLockManager() *lock.Manager {
	e := mustEngine()
	m, err := lock.NewManager(e.Store().Dir())
	if err != nil {
		FatalErrorRespectJSON("%v", err)
	}
	return m
}

func lockRepoArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	cwd, err := os.Getwd()
	if err != nil {
		FatalErrorRespectJSON("%v", err)
	}
	return cwd
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire [repo]",
	Short: "Acquire a lock on a repo (or file patterns within it)",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m := mustLockManager()
		repo := lockRepoArg(args)
		task, _ := cmd.Flags().GetString("task")
		agent, _ := cmd.Flags().GetString("agent")
		files, _ := cmd.Flags().GetStringSlice("files")
		queue, _ := cmd.Flags().GetBool("queue")
		priority, _ := cmd.Flags().GetInt("priority")
		if task == "" {
			FatalErrorRespectJSON("--task is required")
		}

		if queue {
			res, err := m.AcquireOrQueue(repo, task, agent, files, priority)
			if err != nil {
				FatalErrorRespectJSON("%v", err)
			}
			if jsonOutput {
				outputJSON(res)
				if !res.Acquired {
					os.Exit(1)
				}
				return
			}
			switch {
			case res.Acquired:
				Success("Locked %s for %s", repo, task)
			case res.AlreadyQueued:
				Warn("%s is already queued at position %d", task, res.Position)
				os.Exit(1)
			default:
				Warn("queued at position %d behind %s", res.Position, res.Holder)
				if len(res.ConflictingFns) > 0 {
					fmt.Printf("  conflicting: %s\n", strings.Join(res.ConflictingFns, ", "))
				}
				os.Exit(1)
			}
			return
		}

		res, err := m.Acquire(repo, task, agent, files)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(res)
			if !res.Acquired {
				os.Exit(1)
			}
			return
		}
		if !res.Acquired {
			msg := fmt.Sprintf("locked by %s", res.Conflict.Holder.TaskID)
			if len(res.Conflict.Overlap) > 0 {
				msg += " (" + strings.Join(res.Conflict.Overlap, ", ") + ")"
			}
			Warn("%s", msg)
			os.Exit(1)
		}
		Success("Locked %s for %s (expires %s)", repo, task, res.Lock.ExpiresAt)
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release [repo]",
	Short: "Release a lock",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m := mustLockManager()
		repo := lockRepoArg(args)
		task, _ := cmd.Flags().GetString("task")
		if err := m.Release(repo, task); err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		Success("Released %s", repo)
	},
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List live locks (stale ones expire as a side effect)",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		m := mustLockManager()
		repos, err := m.List()
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(repos)
			return
		}
		if len(repos) == 0 {
			fmt.Println("No active locks.")
			return
		}
		for _, r := range repos {
			fmt.Println(ui.RenderBold(r.Repo))
			for _, l := range r.Locks {
				scope := "whole repo"
				if len(l.Files) > 0 {
					scope = strings.Join(l.Files, ", ")
				}
				fmt.Printf("  %s by %s  %s  expires %s\n", l.TaskID, l.Agent, ui.RenderMuted(scope), l.ExpiresAt)
			}
		}
	},
}

var lockBreakCmd = &cobra.Command{
	Use:   "break [repo]",
	Short: "Force-delete a lock regardless of holder",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m := mustLockManager()
		repo := lockRepoArg(args)
		reason, _ := cmd.Flags().GetString("reason")
		by, _ := cmd.Flags().GetString("by")
		if err := m.Break(repo, by, reason); err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		Warn("Broke lock on %s", repo)
	},
}

var lockRenewCmd = &cobra.Command{
	Use:   "renew [repo]",
	Short: "Extend a held lock's expiry",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m := mustLockManager()
		repo := lockRepoArg(args)
		task, _ := cmd.Flags().GetString("task")
		if task == "" {
			FatalErrorRespectJSON("--task is required")
		}
		l, err := m.Renew(repo, task)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		Success("Renewed %s until %s", task, l.ExpiresAt)
	},
}

var lockQueueCmd = &cobra.Command{
	Use:   "queue [repo]",
	Short: "Show the pending lock queue for a repo",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m := mustLockManager()
		repo := lockRepoArg(args)
		queue, err := m.Queue(repo)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(queue)
			return
		}
		if len(queue) == 0 {
			fmt.Println("Queue is empty.")
			return
		}
		for i, entry := range queue {
			fmt.Printf("%2d. %s P%d %s\n", i+1, entry.TaskID, entry.Priority, ui.RenderMuted(entry.RequestedAt))
		}
	},
}

var lockAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the lock audit history",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		m := mustLockManager()
		events, err := m.ReadAudit()
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(events)
			return
		}
		for _, ev := range events {
			line := fmt.Sprintf("%s  %-8s %s", ui.RenderMuted(ev.Timestamp), ev.Op, ev.TaskID)
			if ev.Detail != "" {
				line += "  " + ev.Detail
			}
			fmt.Println(line)
		}
	},
}

func init() {
	lockAcquireCmd.Flags().String("task", "", "Task id holding the lock")
	lockAcquireCmd.Flags().String("agent", "", "Agent label")
	lockAcquireCmd.Flags().StringSlice("files", nil, "File patterns to lock (default: whole repo)")
	lockAcquireCmd.Flags().Bool("queue", false, "Queue on conflict instead of failing")
	lockAcquireCmd.Flags().Int("priority", 1, "Queue priority (lower goes first)")
	lockReleaseCmd.Flags().String("task", "", "Only release this task's hold")
	lockBreakCmd.Flags().String("reason", "", "Why the lock is being broken")
	lockBreakCmd.Flags().String("by", "", "Who is breaking it")
	lockRenewCmd.Flags().String("task", "", "Task id holding the lock")
	lockCmd.AddCommand(lockAcquireCmd, lockReleaseCmd, lockStatusCmd, lockBreakCmd, lockRenewCmd, lockQueueCmd, lockAuditCmd)
	rootCmd.AddCommand(lockCmd)
}
