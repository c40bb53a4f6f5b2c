package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Advisory thresholds. Crossing one produces a UX warning, never a
// rejection.
const (
	largeRangeThreshold = 10_000_000
	longSleepSeconds    = 30
)

var (
	infiniteLoopRe = regexp.MustCompile(`(?m)^\s*while\s+(True|1)\s*:`)
	rangeCallRe    = regexp.MustCompile(`range\s*\(\s*(\d+)`)
	sleepCallRe    = regexp.MustCompile(`time\.sleep\s*\(\s*(\d+)`)
)

// AdvisoryWarnings scans code for patterns that tend to waste the execution
// budget. These are heuristics surfaced for the caller's UX; they do not
// affect the security verdict.
func AdvisoryWarnings(code string) []string {
	var warnings []string

	if infiniteLoopRe.MatchString(code) && !strings.Contains(code, "break") {
		warnings = append(warnings, "possible infinite loop: 'while True' without a break")
	}

	for _, match := range rangeCallRe.FindAllStringSubmatch(code, -1) {
		if n, err := strconv.ParseInt(match[1], 10, 64); err == nil && n > largeRangeThreshold {
			warnings = append(warnings, fmt.Sprintf("very large range(%d) may exhaust the time budget", n))
			break
		}
	}

	for _, match := range sleepCallRe.FindAllStringSubmatch(code, -1) {
		if n, err := strconv.ParseInt(match[1], 10, 64); err == nil && n >= longSleepSeconds {
			warnings = append(warnings, fmt.Sprintf("time.sleep(%d) exceeds the execution timeout", n))
			break
		}
	}

	return warnings
}
