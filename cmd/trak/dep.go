package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trakhq/trak/internal/config"
	"github.com/trakhq/trak/internal/graph"
	"github.com/trakhq/trak/internal/storage"
	"github.com/trakhq/trak/internal/ui"
)

var depCmd = &cobra.Command{
	Use:   "dep",
	Short: "Manage dependencies",
}

var depAddCmd = &cobra.Command{
	Use:   "add <id> <depends-on-id>",
	Short: "Make the first task depend on the second",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()
		err := e.AddDep(rootCtx, args[0], args[1])
		if errors.Is(err, storage.ErrDuplicateDep) {
			Warn("%v", err)
			return
		}
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"task": args[0], "depends_on": args[1]})
			return
		}
		Success("%s now depends on %s", args[0], args[1])
	},
}

var depRmCmd = &cobra.Command{
	Use:     "rm <id> <depends-on-id>",
	Aliases: []string{"remove"},
	Short:   "Remove a dependency edge",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()
		removed, err := e.RemoveDep(rootCtx, args[0], args[1])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if !removed {
			Warn("no such dependency %s -> %s", args[0], args[1])
			return
		}
		Success("%s no longer depends on %s", args[0], args[1])
	},
}

var depTreeCmd = &cobra.Command{
	Use:   "tree <id>",
	Short: "Show the dependency neighborhood of a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()
		st := e.Store()

		id, err := st.ResolveID(rootCtx, args[0])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		depth, _ := cmd.Flags().GetInt("depth")
		if depth <= 0 {
			depth = config.GetInt("heat.trace-depth")
		}
		if depth <= 0 {
			depth = 5
		}

		tr, err := graph.TraceTask(rootCtx, st, id, depth)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(tr)
			return
		}

		fmt.Println(ui.RenderBold(id))
		if len(tr.Upstream) > 0 {
			fmt.Println("Depends on:")
			printTree(tr.Upstream, id, 1, depth)
		}
		if len(tr.Downstream) > 0 {
			fmt.Println("Blocks:")
			printTree(tr.Downstream, id, 1, depth)
		}
	},
}

func printTree(edges map[string][]string, node string, indent, depth int) {
	if depth == 0 {
		return
	}
	for _, next := range edges[node] {
		for i := 0; i < indent; i++ {
			fmt.Print("  ")
		}
		fmt.Println(next)
		printTree(edges, next, indent+1, depth-1)
	}
}

func init() {
	depTreeCmd.Flags().Int("depth", 0, "Trace depth (default from heat.trace-depth)")
	depCmd.AddCommand(depAddCmd, depRmCmd, depTreeCmd)
	rootCmd.AddCommand(depCmd)
}
