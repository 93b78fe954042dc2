package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/trakhq/trak/internal/storage"
)

// defaultConfig is written to .trak/config.yaml on init so the knobs are
// discoverable. Values mirror the built-in defaults.
type defaultConfig struct {
	Autocommit bool `yaml:"autocommit"`
	MaxRetries int  `yaml:"max-retries"`
	Run        struct {
		MaxAgents   int `yaml:"max-agents"`
		MinPriority int `yaml:"min-priority"`
	} `yaml:"run"`
	Lock struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"lock"`
	Agent struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"agent"`
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the .trak directory for this project",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cwd, err := os.Getwd()
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		st, err := storage.Init(rootCtx, cwd)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		store = st
		writeDefaultConfig(st.Dir())

		if jsonOutput {
			outputJSON(map[string]string{"dir": st.Dir()})
			return
		}
		Success("Initialized trak in %s", st.Dir())
		fmt.Println("  trak.jsonl is the shared source of truth; commit it with your code.")
	},
}

func writeDefaultConfig(dir string) {
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return
	}
	var cfg defaultConfig
	cfg.MaxRetries = 3
	cfg.Run.MaxAgents = 3
	cfg.Run.MinPriority = 1
	cfg.Lock.Timeout = "30m"
	cfg.Agent.Timeout = "900s"
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil { // #nosec G306 -- meant to be committed
		Warn("could not write %s: %v", path, err)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
}
