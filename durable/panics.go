package durable

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// PanicLogger receives panics recovered from orchestrations and activities.
type PanicLogger func(funcName string, err any, stack []byte, fields ...map[string]any)

// NewLoggerPanicLogger reports recovered panics through logger.
func NewLoggerPanicLogger(logger Logger) PanicLogger {
	logger = normalizeLogger(logger)
	return func(funcName string, err any, stack []byte, fields ...map[string]any) {
		var merged map[string]any
		for _, f := range fields {
			merged = mergeFields(merged, f)
		}
		merged = mergeFields(merged, map[string]any{
			"panic":      fmt.Sprint(err),
			"panic_type": fmt.Sprintf("%T", err),
		})
		withLoggerFields(logger, merged).Error("recovered from panic in %s\n%s", funcName, stack)
	}
}

// PanicError is the failure recorded for a recovered panic.
type PanicError struct {
	FuncName string
	Value    any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.FuncName, e.Value)
}

func capturePanicStack() []byte {
	stack := make([]byte, 8096)
	n := runtime.Stack(stack, false)
	return cleanStackTrace(stack[:n])
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLine := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLine = i
			break
		}
	}
	// drop the panic() frame and its file line
	if panicLine >= 0 && panicLine+2 < len(lines) {
		lines = lines[panicLine+2:]
	}

	var out []string
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if strings.Contains(line, "runtime/debug.Stack") ||
			strings.Contains(line, "durable.capturePanicStack") {
			i++
			continue
		}
		out = append(out, shortenFrame(line))
	}
	return []byte(strings.Join(out, "\n"))
}

func shortenFrame(line string) string {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		return line
	}
	path, rest, _ := strings.Cut(trimmed, ":")
	parts := strings.Split(path, "/")
	if len(parts) > 2 {
		path = strings.Join(parts[len(parts)-2:], "/")
	}
	lineNo, _, _ := strings.Cut(rest, " ")
	if _, err := strconv.Atoi(lineNo); err != nil {
		return line
	}
	return "\t" + path + ":" + lineNo
}
