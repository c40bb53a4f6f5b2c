package notebook

import "strings"

// Magic line prefixes recognized in notebook cells. Rewriting happens before
// security screening because the raw markers are not valid Python.
const (
	shellEscapeMarker = "!"
	timeMagic         = "%time"
	matplotlibMagic   = "%matplotlib"
)

// RewriteMagics expands the supported magic prefixes into plain Python.
// Lines beginning with the shell-escape marker are always replaced with a
// comment; they never reach a shell. Unrecognized magics are left alone and
// fail security screening as syntax errors.
func RewriteMagics(code string, plottingAvailable bool) string {
	lines := strings.Split(code, "\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]

		switch {
		case strings.HasPrefix(trimmed, shellEscapeMarker):
			out = append(out, indent+"# shell access is disabled: "+strings.TrimSpace(trimmed[1:]))

		case strings.HasPrefix(trimmed, matplotlibMagic):
			if plottingAvailable {
				out = append(out, indent+"import matplotlib")
			} else {
				out = append(out, indent+"# matplotlib is not available")
			}

		case trimmed == timeMagic:
			out = append(out, indent+"# nothing to time")

		case strings.HasPrefix(trimmed, timeMagic+" "):
			stmt := strings.TrimSpace(trimmed[len(timeMagic):])
			out = append(out, expandTimed(indent, stmt)...)

		default:
			out = append(out, line)
		}
	}

	return strings.Join(out, "\n")
}

// expandTimed wraps a single statement with a wall-clock timer. The helper
// names are underscore-prefixed so they stay out of captured variables.
func expandTimed(indent, stmt string) []string {
	return []string{
		indent + "import time as _cell_timer",
		indent + "_cell_t0 = _cell_timer.perf_counter()",
		indent + stmt,
		indent + `print("Wall time: %.2f ms" % ((_cell_timer.perf_counter() - _cell_t0) * 1000))`,
	}
}
