package store

import (
	"fmt"
	"runtime"
	"strings"
)

// panicToError normalizes a recovered panic value into an error carrying the
// lifecycle phase and action type it escaped from.
func panicToError(phase, actionType string, v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("panic in %s phase of %s: %w", phase, actionType, err)
	}
	return fmt.Errorf("panic in %s phase of %s: %v", phase, actionType, v)
}

// captureStack returns the current goroutine stack with the recover
// machinery trimmed off the top.
func captureStack() string {
	buf := make([]byte, 8096)
	n := runtime.Stack(buf, false)
	return cleanStackTrace(string(buf[:n]))
}

func cleanStackTrace(stack string) string {
	lines := strings.Split(stack, "\n")

	panicLine := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLine = i
			break
		}
	}

	// drop the panic() call line and its file reference line
	if panicLine >= 0 && panicLine+2 < len(lines) {
		lines = lines[panicLine+2:]
	}

	return strings.Join(lines, "\n")
}
