package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trakhq/trak/internal/eventlog"
	"github.com/trakhq/trak/internal/git"
	"github.com/trakhq/trak/internal/merge"
	"github.com/trakhq/trak/internal/storage"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rewrite the event log as one snapshot per task",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()
		st := e.Store()

		tasks, err := st.ExportTasks(rootCtx)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if err := eventlog.WriteSnapshot(st.LogPath(), tasks); err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(map[string]int{"tasks": len(tasks)})
			return
		}
		Success("Compacted %d tasks into %s", len(tasks), st.LogPath())
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the database from the event log",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()
		st := e.Store()

		tasks, err := eventlog.Replay(st.LogPath())
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if err := eventlog.Rebuild(rootCtx, st, tasks); err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(map[string]int{"tasks": len(tasks)})
			return
		}
		Success("Rebuilt %d tasks from %s", len(tasks), st.LogPath())
	},
}

var resolveConflictsCmd = &cobra.Command{
	Use:   "resolve-conflicts",
	Short: "Mechanically resolve git conflict markers in the event log",
	Long: `After a git merge leaves conflict markers in trak.jsonl, resolve them:
replay each side, keep the newer version of every task (ties go to the
incoming side), rewrite the log as a clean snapshot, and rebuild the
database.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		// The store may not open while the log is conflicted; resolve first.
		dir := storage.FindTrakDir()
		if dir == "" {
			FatalErrorRespectJSON("%v", storage.ErrInitRequired)
		}
		logPath := dir + string(os.PathSeparator) + storage.LogFileName

		tasks, resolutions, err := merge.ResolveFile(logPath)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}

		e := mustEngine()
		if err := eventlog.Rebuild(rootCtx, e.Store(), tasks); err != nil {
			FatalErrorRespectJSON("%v", err)
		}

		if jsonOutput {
			outputJSON(map[string]any{"tasks": len(tasks), "resolutions": resolutions})
			return
		}
		Success("Resolved %d conflicts across %d tasks", len(resolutions), len(tasks))
		for _, r := range resolutions {
			fmt.Printf("  %s kept %s\n", r.TaskID, r.Winner)
		}
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull, resolve event-log conflicts, and rebuild",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()
		st := e.Store()
		repoRoot, err := git.RepoRoot(rootCtx, st.Dir())
		if err != nil {
			FatalErrorRespectJSON("not inside a git repository: %v", err)
		}

		out, pullErr := git.Pull(rootCtx, repoRoot)
		if out != "" {
			fmt.Println(out)
		}

		data, err := os.ReadFile(st.LogPath())
		if err == nil && merge.HasConflictMarkers(data) {
			tasks, resolutions, err := merge.ResolveFile(st.LogPath())
			if err != nil {
				FatalErrorRespectJSON("%v", err)
			}
			if err := eventlog.Rebuild(rootCtx, st, tasks); err != nil {
				FatalErrorRespectJSON("%v", err)
			}
			Success("Resolved %d conflicts", len(resolutions))
			git.AutoCommit(rootCtx, repoRoot, "trak: resolve event log conflicts",
				storage.DirName+"/"+storage.LogFileName)
		} else if pullErr != nil {
			FatalErrorRespectJSON("%v", pullErr)
		} else {
			// Clean pull; refresh the database from whatever arrived.
			tasks, err := eventlog.Replay(st.LogPath())
			if err != nil {
				FatalErrorRespectJSON("%v", err)
			}
			if err := eventlog.Rebuild(rootCtx, st, tasks); err != nil {
				FatalErrorRespectJSON("%v", err)
			}
			Success("Synced %d tasks", len(tasks))
		}
	},
}

func init() {
	rootCmd.AddCommand(compactCmd, rebuildCmd, resolveConflictsCmd, syncCmd)
}
