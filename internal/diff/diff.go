// Package diff computes line-level diffs between configuration file
// versions and renders the unified previews attached to changesets.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineType classifies a diff line.
type LineType int

const (
	LineContext LineType = iota
	LineAdded
	LineRemoved
)

// Line is a single line of a computed diff.
type Line struct {
	OldNum  int // 1-based line number in the old content, 0 for additions
	NewNum  int // 1-based line number in the new content, 0 for removals
	Content string
	Type    LineType
}

// Hunk groups nearby changes with surrounding context.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

const contextLines = 3

var dmp = func() *diffmatchpatch.DiffMatchPatch {
	d := diffmatchpatch.New()
	d.DiffTimeout = 0
	return d
}()

// Lines computes the line-level diff between two contents. The inputs are
// reduced to line tokens first so edits never split inside a line.
func Lines(oldContent, newContent string) []Line {
	if oldContent == newContent {
		return nil
	}

	a, b, lineArray := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	out := make([]Line, 0, 32)
	oldNum, newNum := 1, 1

	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}

		for _, text := range lines {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				out = append(out, Line{OldNum: oldNum, NewNum: newNum, Content: text, Type: LineContext})
				oldNum++
				newNum++
			case diffmatchpatch.DiffDelete:
				out = append(out, Line{OldNum: oldNum, Content: text, Type: LineRemoved})
				oldNum++
			case diffmatchpatch.DiffInsert:
				out = append(out, Line{NewNum: newNum, Content: text, Type: LineAdded})
				newNum++
			}
		}
	}

	return out
}

// Changed reports whether the two contents differ at the line level.
func Changed(oldContent, newContent string) bool {
	return oldContent != newContent
}

// Hunks groups a line diff into hunks with three lines of context.
func Hunks(lines []Line) []Hunk {
	if len(lines) == 0 {
		return nil
	}

	var hunks []Hunk
	var cur *Hunk
	lastChange := -1

	flush := func() {
		if cur == nil || len(cur.Lines) == 0 {
			return
		}
		for _, l := range cur.Lines {
			if l.Type != LineAdded {
				cur.OldCount++
			}
			if l.Type != LineRemoved {
				cur.NewCount++
			}
		}
		hunks = append(hunks, *cur)
		cur = nil
	}

	for i, l := range lines {
		if l.Type != LineContext {
			if cur == nil {
				cur = &Hunk{}
				start := i - contextLines
				if start < 0 {
					start = 0
				}
				for j := start; j < i; j++ {
					cur.Lines = append(cur.Lines, lines[j])
				}
				first := lines[start]
				cur.OldStart = first.OldNum
				cur.NewStart = first.NewNum
				if cur.OldStart == 0 {
					cur.OldStart = l.OldNum
				}
				if cur.NewStart == 0 {
					cur.NewStart = l.NewNum
				}
			}
			lastChange = i
			cur.Lines = append(cur.Lines, l)
			continue
		}

		if cur != nil {
			if i-lastChange <= contextLines {
				cur.Lines = append(cur.Lines, l)
			} else {
				flush()
			}
		}
	}
	flush()

	return hunks
}

// Unified renders a unified-style preview for a single file change. An
// empty result means the contents are identical.
func Unified(path, oldContent, newContent string) string {
	lines := Lines(oldContent, newContent)
	hunks := Hunks(lines)
	if len(hunks) == 0 {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- a/%s\n+++ b/%s\n", path, path)
	for _, h := range hunks {
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		for _, l := range h.Lines {
			switch l.Type {
			case LineAdded:
				sb.WriteString("+")
			case LineRemoved:
				sb.WriteString("-")
			default:
				sb.WriteString(" ")
			}
			sb.WriteString(l.Content)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// Stat summarizes a diff as added/removed line counts.
func Stat(lines []Line) (added, removed int) {
	for _, l := range lines {
		switch l.Type {
		case LineAdded:
			added++
		case LineRemoved:
			removed++
		}
	}
	return added, removed
}
