// Package debug provides diagnostic logging gated by the TRAK_DEBUG
// environment variable. Output goes to stderr and, when a trak directory is
// known, to a rotating .trak/debug.log.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.Mutex
	file   *lumberjack.Logger
	dbgEnv = os.Getenv("TRAK_DEBUG") != ""
)

// Enabled reports whether debug logging is on.
func Enabled() bool {
	return dbgEnv
}

// SetLogDir points the rotating file sink at dir/debug.log. Safe to call more
// than once; later calls win.
func SetLogDir(dir string) {
	mu.Lock()
	defer mu.Unlock()
	file = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "debug.log"),
		MaxSize:    5, // megabytes
		MaxBackups: 2,
		MaxAge:     14, // days
	}
}

// Logf writes a debug line when TRAK_DEBUG is set. Best-effort: failures to
// write the file sink are ignored.
func Logf(format string, args ...any) {
	if !dbgEnv {
		return
	}
	line := fmt.Sprintf("%s trak: %s\n", time.Now().UTC().Format("2006-01-02 15:04:05"), fmt.Sprintf(format, args...))
	fmt.Fprint(os.Stderr, line)
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		_, _ = file.Write([]byte(line))
	}
}
