// ABOUTME: Line diff between two script bodies
// ABOUTME: Longest-common-subsequence alignment with a fixed tie-break

package diff

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Op tags a diff line
type Op string

const (
	Unchanged Op = "Unchanged"
	Added     Op = "Added"
	Removed   Op = "Removed"
)

// MaxCells bounds the LCS table so two huge inputs cannot exhaust memory
const MaxCells = 16 << 20

// ErrTooLarge is returned when the inputs exceed MaxCells
var ErrTooLarge = errors.New("diff: inputs too large")

// Line is one line of output. Text keeps the line's terminator, so a
// change of line ending or of the final newline is a change of the line.
// OldLine and NewLine are 1-based positions in the respective input, zero
// when the line is absent from that side.
type Line struct {
	Op      Op     `json:"Op"`
	Text    string `json:"Text"`
	OldLine int    `json:"OldLine,omitempty"`
	NewLine int    `json:"NewLine,omitempty"`
}

// Content is the line without its terminator
func (l Line) Content() string {
	return strings.TrimSuffix(strings.TrimSuffix(l.Text, "\n"), "\r")
}

// Terminated reports whether the line ends in a newline
func (l Line) Terminated() bool { return strings.HasSuffix(l.Text, "\n") }

// Stats counts lines by op
type Stats struct {
	Added     int `json:"Added"`
	Removed   int `json:"Removed"`
	Unchanged int `json:"Unchanged"`
}

// SplitLines splits s after each \n. Lines keep their terminators, so
// joining them gives back s; only the last line may lack one.
func SplitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Lines diffs old against new. Among equally long alignments, removals
// are emitted before additions, and unchanged lines keep their order.
func Lines(old, new string) ([]Line, error) {
	return Compare(SplitLines(old), SplitLines(new))
}

// Compare diffs two line slices
func Compare(a, b []string) ([]Line, error) {
	// common prefix and suffix need no table
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	midA := a[prefix : len(a)-suffix]
	midB := b[prefix : len(b)-suffix]
	if (len(midA)+1)*(len(midB)+1) > MaxCells {
		return nil, errors.Wrapf(ErrTooLarge, "%d x %d lines", len(midA), len(midB))
	}

	out := make([]Line, 0, len(a)+len(b))
	for i := 0; i < prefix; i++ {
		out = append(out, Line{Op: Unchanged, Text: a[i], OldLine: i + 1, NewLine: i + 1})
	}
	out = append(out, align(midA, midB, prefix)...)
	for k := 0; k < suffix; k++ {
		i := len(a) - suffix + k
		j := len(b) - suffix + k
		out = append(out, Line{Op: Unchanged, Text: a[i], OldLine: i + 1, NewLine: j + 1})
	}
	return out, nil
}

// align runs the LCS table over the differing middle. offset is the
// length of the shared prefix, used for line numbers.
func align(a, b []string, offset int) []Line {
	n, m := len(a), len(b)
	// lcs[i][j] is the LCS length of a[i:] and b[j:]
	width := m + 1
	lcs := make([]int32, (n+1)*width)
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i*width+j] = lcs[(i+1)*width+j+1] + 1
			} else if down, right := lcs[(i+1)*width+j], lcs[i*width+j+1]; down >= right {
				lcs[i*width+j] = down
			} else {
				lcs[i*width+j] = right
			}
		}
	}

	out := make([]Line, 0, n+m)
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			out = append(out, Line{Op: Unchanged, Text: a[i], OldLine: offset + i + 1, NewLine: offset + j + 1})
			i++
			j++
		case lcs[(i+1)*width+j] >= lcs[i*width+j+1]:
			out = append(out, Line{Op: Removed, Text: a[i], OldLine: offset + i + 1})
			i++
		default:
			out = append(out, Line{Op: Added, Text: b[j], NewLine: offset + j + 1})
			j++
		}
	}
	for ; i < n; i++ {
		out = append(out, Line{Op: Removed, Text: a[i], OldLine: offset + i + 1})
	}
	for ; j < m; j++ {
		out = append(out, Line{Op: Added, Text: b[j], NewLine: offset + j + 1})
	}
	return out
}

// Old reconstructs the old side from a diff; strings.Join(Old(d), "")
// is the original input
func Old(lines []Line) []string {
	var out []string
	for _, l := range lines {
		if l.Op != Added {
			out = append(out, l.Text)
		}
	}
	return out
}

// New reconstructs the new side from a diff
func New(lines []Line) []string {
	var out []string
	for _, l := range lines {
		if l.Op != Removed {
			out = append(out, l.Text)
		}
	}
	return out
}

// Count tallies a diff
func Count(lines []Line) Stats {
	var s Stats
	for _, l := range lines {
		switch l.Op {
		case Added:
			s.Added++
		case Removed:
			s.Removed++
		default:
			s.Unchanged++
		}
	}
	return s
}
