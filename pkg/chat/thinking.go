package chat

import "strings"

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

// splitThinking separates <think>...</think> blocks from the response
// text. An unterminated trailing block counts as thinking.
func splitThinking(text string) (visible, thinking string) {
	var vis, thk strings.Builder
	for {
		start := strings.Index(text, thinkOpenTag)
		if start < 0 {
			vis.WriteString(text)
			break
		}
		vis.WriteString(text[:start])
		rest := text[start+len(thinkOpenTag):]
		end := strings.Index(rest, thinkCloseTag)
		if end < 0 {
			thk.WriteString(rest)
			break
		}
		thk.WriteString(rest[:end])
		text = rest[end+len(thinkCloseTag):]
	}
	return strings.TrimSpace(vis.String()), strings.TrimSpace(thk.String())
}
