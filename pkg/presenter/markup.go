package presenter

import (
	"bufio"
	"fmt"
	"html"
	"io"
	"strings"
)

// Style describes the style of a chunk of report text.
type Style uint8

const (
	NormalStyle Style = iota
	PositionStyle
	DescriptionStyle
)

// DefaultColorEscapes returns the escape sequences used to print a report
// on a terminal. positionColor is the SGR code of position references.
func DefaultColorEscapes(positionColor int) map[Style]string {
	return map[Style]string{
		NormalStyle:      "\033[0m",
		PositionStyle:    fmt.Sprintf("\033[%2dm", positionColor),
		DescriptionStyle: "\033[34m",
	}
}

// Print writes the report markup read from reader to out. The markup tags
// are replaced by the escape sequences in colorEscapes, or removed if
// colorEscapes is nil. If altTabStr is not empty it replaces tab
// characters.
func Print(out io.Writer, reader io.Reader, colorEscapes map[Style]string, altTabStr string) error {
	w := &styleWriter{w: bufio.NewWriter(out), colorEscapes: colorEscapes, tabBytes: []byte("\t")}
	if altTabStr != "" {
		w.tabBytes = []byte(altTabStr)
	}
	br := bufio.NewReader(reader)
	var stack []Style
	cur := NormalStyle
	for {
		text, err := br.ReadString('<')
		if chunk := strings.TrimSuffix(text, "<"); chunk != "" {
			w.Write(cur, []byte(html.UnescapeString(chunk)))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		tag, err := br.ReadString('>')
		if err != nil {
			return fmt.Errorf("unterminated tag %q", tag)
		}
		switch tagName(tag) {
		case "b":
			stack = append(stack, cur)
			cur = PositionStyle
		case "i":
			stack = append(stack, cur)
			cur = DescriptionStyle
		case "/b", "/i":
			if len(stack) > 0 {
				cur = stack[len(stack)-1]
				stack = stack[:len(stack)-1]
			}
		}
	}
	w.style(NormalStyle)
	return w.w.Flush()
}

// Strip returns markup with all tags removed.
func Strip(markup string) string {
	var sb strings.Builder
	Print(&sb, strings.NewReader(markup), nil, "")
	return sb.String()
}

func tagName(tag string) string {
	tag = strings.TrimSuffix(tag, ">")
	if i := strings.IndexAny(tag, " \t"); i >= 0 {
		tag = tag[:i]
	}
	return tag
}

type styleWriter struct {
	w            *bufio.Writer
	curStyle     Style
	colorEscapes map[Style]string
	tabBytes     []byte
}

func (w *styleWriter) style(style Style) {
	if w.colorEscapes == nil || w.curStyle == style {
		return
	}
	w.curStyle = style
	esc := w.colorEscapes[style]
	if esc == "" {
		esc = w.colorEscapes[NormalStyle]
	}
	w.w.WriteString(esc)
}

func (w *styleWriter) Write(style Style, data []byte) {
	cur := 0
	for i := range data {
		switch data[i] {
		case '\n':
			// styles do not extend past the end of a line
			w.style(style)
			w.w.Write(data[cur:i])
			w.style(NormalStyle)
			w.w.WriteByte('\n')
			cur = i + 1
		case '\t':
			w.style(style)
			w.w.Write(data[cur:i])
			w.w.Write(w.tabBytes)
			cur = i + 1
		}
	}
	if cur < len(data) {
		w.style(style)
		w.w.Write(data[cur:])
	}
}
