package harness

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ComparisonOutcome is the structured result of the verification step,
// parsed from the comparison tool's textual report.
//
// Invariant: Matched + Mismatched + Errored never exceeds the number of
// files common to both directories, and OnlySource/OnlyDestination are
// disjoint from the common set; both are guaranteed by the comparison
// tool's own accounting and preserved verbatim here.
type ComparisonOutcome struct {
	// Matched counts common files with identical checksums.
	Matched int

	// Mismatched counts common files whose checksums differ.
	Mismatched int

	// Errored counts common files the tool could not compare.
	Errored int

	// OnlySource lists files present only in the extraction directory.
	OnlySource []string

	// OnlyDestination lists files present only in the reception directory.
	OnlyDestination []string

	// Report is the raw report text, kept for diagnostics.
	Report string
}

// Clean reports whether the comparison found every file transferred intact:
// no mismatches, no comparison errors, and no file unique to either side.
func (o *ComparisonOutcome) Clean() bool {
	return o.Mismatched == 0 && o.Errored == 0 &&
		len(o.OnlySource) == 0 && len(o.OnlyDestination) == 0
}

// Summary renders the counts as a single diagnostic line.
func (o *ComparisonOutcome) Summary() string {
	return fmt.Sprintf("matched=%d mismatched=%d errored=%d only_source=%d only_destination=%d",
		o.Matched, o.Mismatched, o.Errored, len(o.OnlySource), len(o.OnlyDestination))
}

// Verify invokes the comparison collaborator against the extraction and
// reception directories and parses its report.
//
// The tool's exit convention is respected: a non-zero exit means the tool
// itself failed to run and is a verification error. Exit zero means the
// report is authoritative; mismatches or unique files in a zero-exit
// report still constitute end-to-end test failure, which callers detect via
// ComparisonOutcome.Clean.
func Verify(ctx context.Context, compareTool, srcDir, dstDir string) (*ComparisonOutcome, error) {
	cmd := exec.CommandContext(ctx, compareTool, srcDir, dstDir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, NewVerificationError(
			fmt.Sprintf("comparison tool failed to run: %s", detail), exitCode, err)
	}

	outcome := ParseComparisonReport(stdout.String(), srcDir, dstDir)
	return outcome, nil
}

// onlyHeaderRE matches the report's per-side unique-file section header,
// e.g. `Files only in 'extracted_files' (2):`.
var onlyHeaderRE = regexp.MustCompile(`^Files only in '(.+)' \((\d+)\):$`)

// ansiRE strips the color escapes the comparison tool decorates MATCH and
// MISMATCH lines with.
var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// ParseComparisonReport extracts the structured outcome from the comparison
// tool's report text. srcDir and dstDir are the directories the tool was
// invoked with; the report names unique-file sections by directory basename,
// which is how sides are attributed.
//
// Unrecognized lines are ignored, so cosmetic report changes do not break
// parsing; only the summary counts and the unique-file sections are read.
func ParseComparisonReport(report, srcDir, dstDir string) *ComparisonOutcome {
	outcome := &ComparisonOutcome{Report: report}
	srcBase := filepath.Base(srcDir)
	dstBase := filepath.Base(dstDir)

	// collecting points at the unique-file list currently being filled, nil
	// outside a "Files only in ..." section.
	var collecting *[]string

	scanner := bufio.NewScanner(strings.NewReader(report))
	for scanner.Scan() {
		line := ansiRE.ReplaceAllString(scanner.Text(), "")
		trimmed := strings.TrimSpace(line)

		if collecting != nil {
			if name, ok := strings.CutPrefix(trimmed, "- "); ok {
				*collecting = append(*collecting, name)
				continue
			}
			collecting = nil
		}

		switch {
		case strings.HasPrefix(trimmed, "Matching files:"):
			outcome.Matched = parseTrailingCount(trimmed)
		case strings.HasPrefix(trimmed, "Mismatched files:"):
			outcome.Mismatched = parseTrailingCount(trimmed)
		case strings.HasPrefix(trimmed, "Files with errors"):
			outcome.Errored = parseTrailingCount(trimmed)
		default:
			if m := onlyHeaderRE.FindStringSubmatch(trimmed); m != nil {
				switch m[1] {
				case srcBase:
					collecting = &outcome.OnlySource
				case dstBase:
					collecting = &outcome.OnlyDestination
				}
			}
		}
	}
	return outcome
}

// parseTrailingCount reads the integer after the final colon of a summary
// line such as "Matching files: 3". Malformed lines count as zero.
func parseTrailingCount(line string) int {
	idx := strings.LastIndex(line, ":")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[idx+1:]))
	if err != nil {
		return 0
	}
	return n
}
