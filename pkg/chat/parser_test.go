package chat

import (
	"reflect"
	"testing"
)

func runParser(chunks []string) (visible string, calls []string, rest string) {
	p := &toolCallParser{}
	for _, chunk := range chunks {
		text, found := p.feed(chunk)
		visible += text
		calls = append(calls, found...)
	}
	return visible, calls, p.flush()
}

func TestToolCallParser(t *testing.T) {
	tests := []struct {
		name        string
		chunks      []string
		wantVisible string
		wantCalls   []string
	}{
		{
			name:        "plain text passes through",
			chunks:      []string{"hello ", "world"},
			wantVisible: "hello world",
		},
		{
			name:        "marker in one chunk",
			chunks:      []string{`before <tool_call>{"name":"a"}</tool_call> after`},
			wantVisible: "before  after",
			wantCalls:   []string{`{"name":"a"}`},
		},
		{
			name:        "open tag split across chunks",
			chunks:      []string{"check <tool_", `call>{"name":"a"}</tool_call>`},
			wantVisible: "check ",
			wantCalls:   []string{`{"name":"a"}`},
		},
		{
			name:        "close tag split across chunks",
			chunks:      []string{`<tool_call>{"name":"a"}</tool_`, "call> done"},
			wantVisible: " done",
			wantCalls:   []string{`{"name":"a"}`},
		},
		{
			name:        "body split across many chunks",
			chunks:      []string{"<tool_call>{", `"name"`, `:"a"}`, "</tool_call>"},
			wantCalls:   []string{`{"name":"a"}`},
			wantVisible: "",
		},
		{
			name:        "angle bracket without tag stays text",
			chunks:      []string{"a < b and <tools are fun"},
			wantVisible: "a < b and <tools are fun",
		},
		{
			name:        "partial tag prefix followed by text",
			chunks:      []string{"<tool_", "box>"},
			wantVisible: "<tool_box>",
		},
		{
			name:        "two calls with text between",
			chunks:      []string{`<tool_call>{"n":1}</tool_call> mid <tool_call>{"n":2}</tool_call>`},
			wantVisible: " mid ",
			wantCalls:   []string{`{"n":1}`, `{"n":2}`},
		},
		{
			name:        "false close inside body",
			chunks:      []string{`<tool_call>{"a":"</x>"}</tool_call>`},
			wantCalls:   []string{`{"a":"</x>"}`},
			wantVisible: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			visible, calls, rest := runParser(tt.chunks)
			if visible != tt.wantVisible {
				t.Errorf("visible = %q, want %q", visible, tt.wantVisible)
			}
			if !reflect.DeepEqual(calls, tt.wantCalls) {
				t.Errorf("calls = %q, want %q", calls, tt.wantCalls)
			}
			if rest != "" {
				t.Errorf("flush = %q, want empty", rest)
			}
		})
	}
}

func TestToolCallParserFlushUnterminated(t *testing.T) {
	p := &toolCallParser{}
	visible, calls := p.feed(`<tool_call>{"name":`)
	if visible != "" || len(calls) != 0 {
		t.Fatalf("visible = %q, calls = %v", visible, calls)
	}
	if rest := p.flush(); rest != `<tool_call>{"name":` {
		t.Errorf("flush = %q", rest)
	}
}

func TestToolCallParserFlushPartialOpenTag(t *testing.T) {
	p := &toolCallParser{}
	p.feed("text <tool_ca")
	if rest := p.flush(); rest != "<tool_ca" {
		t.Errorf("flush = %q", rest)
	}
}

func TestSplitThinking(t *testing.T) {
	tests := []struct {
		name         string
		text         string
		wantVisible  string
		wantThinking string
	}{
		{"no blocks", "plain answer", "plain answer", ""},
		{"one block", "<think>hmm</think>Answer", "Answer", "hmm"},
		{"block mid text", "A<think>x</think>B", "AB", "x"},
		{"multiple blocks", "<think>a</think>one<think>b</think>two", "onetwo", "ab"},
		{"unterminated block", "done<think>still going", "done", "still going"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			visible, thinking := splitThinking(tt.text)
			if visible != tt.wantVisible || thinking != tt.wantThinking {
				t.Errorf("splitThinking = (%q, %q), want (%q, %q)",
					visible, thinking, tt.wantVisible, tt.wantThinking)
			}
		})
	}
}
