package chat

import "strings"

const (
	toolCallOpenTag  = "<tool_call>"
	toolCallCloseTag = "</tool_call>"
)

type parserState int

const (
	stateOutside parserState = iota
	stateOpeningTag
	stateCollectingBody
	stateClosingTag
)

// toolCallParser detects <tool_call>...</tool_call> blocks incrementally.
// Tags split across chunk boundaries are handled deterministically; text
// outside blocks passes through unchanged.
type toolCallParser struct {
	state    parserState
	tagMatch int
	body     strings.Builder
}

// feed consumes one chunk and returns the user-visible text plus the
// bodies of any tool-call blocks completed within it.
func (p *toolCallParser) feed(chunk string) (visible string, calls []string) {
	var out strings.Builder

	for i := 0; i < len(chunk); i++ {
		c := chunk[i]

		switch p.state {
		case stateOutside, stateOpeningTag:
			if c == toolCallOpenTag[p.tagMatch] {
				p.tagMatch++
				p.state = stateOpeningTag
				if p.tagMatch == len(toolCallOpenTag) {
					p.state = stateCollectingBody
					p.tagMatch = 0
				}
				continue
			}
			// Partial tag turned out to be plain text.
			out.WriteString(toolCallOpenTag[:p.tagMatch])
			p.tagMatch = 0
			p.state = stateOutside
			if c == toolCallOpenTag[0] {
				p.tagMatch = 1
				p.state = stateOpeningTag
				continue
			}
			out.WriteByte(c)

		case stateCollectingBody, stateClosingTag:
			if c == toolCallCloseTag[p.tagMatch] {
				p.tagMatch++
				p.state = stateClosingTag
				if p.tagMatch == len(toolCallCloseTag) {
					calls = append(calls, strings.TrimSpace(p.body.String()))
					p.body.Reset()
					p.tagMatch = 0
					p.state = stateOutside
				}
				continue
			}
			p.body.WriteString(toolCallCloseTag[:p.tagMatch])
			p.tagMatch = 0
			p.state = stateCollectingBody
			if c == toolCallCloseTag[0] {
				p.tagMatch = 1
				p.state = stateClosingTag
				continue
			}
			p.body.WriteByte(c)
		}
	}

	return out.String(), calls
}

// flush returns whatever an unterminated block or partial tag held, so a
// truncated stream loses no text.
func (p *toolCallParser) flush() string {
	var out strings.Builder
	switch p.state {
	case stateOpeningTag:
		out.WriteString(toolCallOpenTag[:p.tagMatch])
	case stateCollectingBody, stateClosingTag:
		out.WriteString(toolCallOpenTag)
		out.WriteString(p.body.String())
		out.WriteString(toolCallCloseTag[:p.tagMatch])
	}
	p.state = stateOutside
	p.tagMatch = 0
	p.body.Reset()
	return out.String()
}
