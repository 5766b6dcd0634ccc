package harness

import (
	"regexp"
	"strings"
)

// TaskStatus is the peasant's self-reported state, taken from the trailing
// STATUS sentinel line of a response.
type TaskStatus string

const (
	StatusDone     TaskStatus = "DONE"
	StatusBlocked  TaskStatus = "BLOCKED"
	StatusContinue TaskStatus = "CONTINUE"
)

// Verdict is a council reviewer's judgement, from the VERDICT sentinel.
type Verdict string

const (
	VerdictApproved Verdict = "APPROVED"
	VerdictBlocking Verdict = "BLOCKING"
)

var (
	statusRe  = regexp.MustCompile(`^STATUS:\s*(DONE|BLOCKED|CONTINUE)$`)
	verdictRe = regexp.MustCompile(`^VERDICT:\s*(APPROVED|BLOCKING)$`)
)

// decoration strips the markdown noise agents wrap sentinel lines in:
// emphasis, quoting, headings, list markers, backticks.
const decoration = "*_>#-` \t"

// ParseStatus finds the authoritative STATUS line, scanning from the end.
// A missing sentinel defaults to CONTINUE.
func ParseStatus(response string) (TaskStatus, bool) {
	if line, ok := lastSentinel(response, statusRe); ok {
		return TaskStatus(line), true
	}
	return StatusContinue, false
}

// ParseVerdict finds the authoritative VERDICT line. A missing sentinel
// defaults to APPROVED; callers log the miss.
func ParseVerdict(response string) (Verdict, bool) {
	if line, ok := lastSentinel(response, verdictRe); ok {
		return Verdict(line), true
	}
	return VerdictApproved, false
}

func lastSentinel(response string, re *regexp.Regexp) (string, bool) {
	lines := strings.Split(response, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.Trim(lines[i], decoration)
		if m := re.FindStringSubmatch(line); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// FirstParagraph returns the first non-empty paragraph of a response, for
// worklog entries.
func FirstParagraph(response string) string {
	for _, para := range strings.Split(response, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		// Collapse to one line so it fits a worklog bullet.
		return strings.Join(strings.Fields(para), " ")
	}
	return ""
}
