package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

var statusTags = map[string]string{
	StatusVisited:   "[DONE]",
	StatusCurrent:   "[HERE]",
	StatusPaused:    "[WAIT]",
	StatusCompleted: "[OK]",
	StatusFaulted:   "[FAIL]",
}

// RenderASCII draws one row of boxes per BFS level with down arrows between
// rows, then lists every transition with its guard. Decision steps are
// drawn as <id>.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		row := make([]box, 0, len(level))
		for _, id := range level {
			if n := model.node(id); n != nil {
				row = append(row, newBox(n))
			}
		}
		writeRow(&b, row)
		if i < len(model.Levels)-1 && len(row) > 0 {
			writeArrows(&b, row)
		}
	}

	b.WriteString("\nTransitions:\n")
	for _, e := range model.Edges {
		if e.From == StartID || e.To == EndID {
			continue
		}
		arrow := "─→"
		if e.Auto {
			arrow = "═⇒"
		}
		b.WriteString("  " + e.From + " " + arrow + " " + e.To)
		if e.Label != "" {
			b.WriteString("  when " + e.Label)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// box is a node's text, one entry per inner line, and its inner width in
// runes.
type box struct {
	text  []string
	inner int
}

func newBox(n *Node) box {
	name := firstLine(n.Label)
	if n.Kind == NodeKindDecision {
		name = "<" + name + ">"
	}
	text := []string{name}
	if n.Status != nil {
		if tag := statusTags[n.Status.Status]; tag != "" {
			text = append(text, tag)
		}
		if n.Status.Visits > 1 {
			text = append(text, fmt.Sprintf("x%d", n.Status.Visits))
		}
	}
	inner := 0
	for _, t := range text {
		inner = max(inner, utf8.RuneCountInString(t))
	}
	return box{text: text, inner: inner}
}

// width is the printed width including borders and padding.
func (bx box) width() int { return bx.inner + 4 }

func (bx box) height() int { return len(bx.text) + 2 }

// line returns printed row r of the box; rows past the bottom are blank.
func (bx box) line(r int) string {
	bar := strings.Repeat("─", bx.inner+2)
	switch {
	case r == 0:
		return "┌" + bar + "┐"
	case r <= len(bx.text):
		t := bx.text[r-1]
		return "│ " + t + strings.Repeat(" ", bx.inner-utf8.RuneCountInString(t)) + " │"
	case r == len(bx.text)+1:
		return "└" + bar + "┘"
	}
	return strings.Repeat(" ", bx.width())
}

const boxGap = "  "

func writeRow(b *strings.Builder, row []box) {
	tallest := 0
	for _, bx := range row {
		tallest = max(tallest, bx.height())
	}
	for r := 0; r < tallest; r++ {
		for i, bx := range row {
			if i > 0 {
				b.WriteString(boxGap)
			}
			b.WriteString(bx.line(r))
		}
		b.WriteByte('\n')
	}
}

// writeArrows puts a down arrow under the middle of every box in row.
func writeArrows(b *strings.Builder, row []box) {
	for _, glyph := range []string{"│", "▼"} {
		var line strings.Builder
		for i, bx := range row {
			if i > 0 {
				line.WriteString(boxGap)
			}
			mid := bx.width() / 2
			line.WriteString(strings.Repeat(" ", mid) + glyph + strings.Repeat(" ", bx.width()-mid-1))
		}
		b.WriteString(strings.TrimRight(line.String(), " ") + "\n")
	}
}

func firstLine(s string) string {
	head, _, _ := strings.Cut(s, "\n")
	return head
}
