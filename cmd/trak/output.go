package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/trakhq/trak/internal/ui"
)

// outputJSON prints v as indented JSON on stdout.
func outputJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		FatalError("encoding JSON: %v", err)
	}
	fmt.Println(string(data))
}

// FatalError prints a plain error and exits 1.
func FatalError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("✗"), fmt.Sprintf(format, args...))
	os.Exit(1)
}

// FatalErrorRespectJSON is FatalError, but emits a JSON error object when
// --json was requested so scripted callers can parse failures too.
func FatalErrorRespectJSON(format string, args ...any) {
	if jsonOutput {
		data, _ := json.Marshal(map[string]string{"error": fmt.Sprintf(format, args...)})
		fmt.Println(string(data))
		os.Exit(1)
	}
	FatalError(format, args...)
}

// Warn prints a non-fatal warning line.
func Warn(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderWarn("!"), fmt.Sprintf(format, args...))
}

// Success prints a success line with the standard leading symbol.
func Success(format string, args ...any) {
	fmt.Printf("%s %s\n", ui.RenderPass("✓"), fmt.Sprintf(format, args...))
}
