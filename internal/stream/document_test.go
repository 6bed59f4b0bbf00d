package stream

import (
	"errors"
	"reflect"
	"testing"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
)

const sampleDocument = `<think>scratch notes the client never sees</think>
<thinking>
  <phase id="1"><title>Understand</title>Read the question.</phase>
  <phase id="2">
    <title>Answer</title>
    Compute 2+2.
  </phase>
</thinking>
<final>The answer is 4.<!-- serp_queries ["two plus two", "basic math"] --></final>
`

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument(sampleDocument)
	if err != nil {
		t.Fatalf("ParseDocument() error = %v", err)
	}

	want := &ThinkingDocument{
		HasThinking: true,
		Phases: []Phase{
			{ID: 1, Title: "Understand", Body: "Read the question."},
			{ID: 2, Title: "Answer", Body: "Compute 2+2."},
		},
		Final:      "The answer is 4.",
		Queries:    []string{"two plus two", "basic math"},
		HasQueries: true,
	}
	if !reflect.DeepEqual(doc, want) {
		t.Errorf("ParseDocument() = %+v, want %+v", doc, want)
	}
}

func TestParseDocument_Lenient(t *testing.T) {
	tests := []struct {
		name      string
		src       string
		wantFinal string
		thinking  bool
	}{
		{"final only", "<final>ok</final>", "ok", false},
		{"case insensitive tags", "<FINAL>ok</Final>", "ok", false},
		{"bare less-than is text", "<final>1 < 2</final>", "1 < 2", false},
		{"comments dropped", "<!-- note --><final>a<!-- inner -->b</final>", "ab", false},
		{"empty thinking", "<thinking>\n</thinking>\n<final>x</final>", "x", true},
		{"think after final", "<final>x</final><think>later</think>", "x", false},
		{"single quoted id", "<thinking><phase id='1'><title>t</title>b</phase></thinking><final>x</final>", "x", true},
		{"unquoted id", "<thinking><phase id=1><title>t</title>b</phase></thinking><final>x</final>", "x", true},
		{"comparison before close", "<final>for i<n loop</final>", "for i<n loop", false},
		{"comparison pair", "<final>a<b and c>d</final>", "a<b and c>d", false},
		{"less-than before tag", "<final>x<y</final>", "x<y", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ParseDocument(tt.src)
			if err != nil {
				t.Fatalf("ParseDocument() error = %v", err)
			}
			if doc.Final != tt.wantFinal {
				t.Errorf("Final = %q, want %q", doc.Final, tt.wantFinal)
			}
			if doc.HasThinking != tt.thinking {
				t.Errorf("HasThinking = %v, want %v", doc.HasThinking, tt.thinking)
			}
		})
	}
}

func TestParseDocument_Errors(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		wantCode domain.ErrorCode
	}{
		{"disallowed tag", "<final>hi <b>bold</b></final>", domain.ErrorCodeDisallowedTag},
		{"declaration", "<!DOCTYPE html><final>a</final>", domain.ErrorCodeDisallowedTag},
		{"disallowed tag with attributes", `<final>hi <div class="x">y</div></final>`, domain.ErrorCodeDisallowedTag},
		{"disallowed self closing", `<final>a<br/></final>`, domain.ErrorCodeDisallowedTag},
		{"permitted tag left open", `<final>x <phase id="1" </final>`, domain.ErrorCodeStructural},
		{"phase id with suffix", `<thinking><phase id="1x"><title>t</title>b</phase></thinking><final>a</final>`, domain.ErrorCodeStructural},
		{"phase id unterminated quote", `<thinking><phase id="1><title>t</title>b</phase></thinking><final>a</final>`, domain.ErrorCodeStructural},
		{"phase out of order", `<thinking><phase id="2"><title>x</title>y</phase></thinking><final>a</final>`, domain.ErrorCodeStructural},
		{"phase gap", `<thinking><phase id="1"><title>x</title>y</phase><phase id="3"><title>z</title>w</phase></thinking><final>a</final>`, domain.ErrorCodeStructural},
		{"phase missing id", `<thinking><phase><title>x</title>y</phase></thinking><final>a</final>`, domain.ErrorCodeStructural},
		{"empty title", `<thinking><phase id="1"><title>  </title>y</phase></thinking><final>a</final>`, domain.ErrorCodeStructural},
		{"missing title", `<thinking><phase id="1">body</phase></thinking><final>a</final>`, domain.ErrorCodeStructural},
		{"final before thinking", `<final>a</final><thinking></thinking>`, domain.ErrorCodeStructural},
		{"final inside thinking", `<thinking><final>a</final></thinking>`, domain.ErrorCodeStructural},
		{"stray text", `hello <final>a</final>`, domain.ErrorCodeStructural},
		{"text in thinking", `<thinking>loose</thinking><final>a</final>`, domain.ErrorCodeStructural},
		{"missing final", `<thinking></thinking>`, domain.ErrorCodeStructural},
		{"duplicate final", `<final>a</final><final>b</final>`, domain.ErrorCodeStructural},
		{"unterminated tag", `<final>a <b`, domain.ErrorCodeStructural},
		{"unterminated final", `<final>abc`, domain.ErrorCodeStructural},
		{"unterminated comment", `<final>a<!-- oops</final>`, domain.ErrorCodeStructural},
		{"self closing", `<final/>`, domain.ErrorCodeStructural},
		{"stray close", `</final>`, domain.ErrorCodeStructural},
		{"phase at top level", `<phase id="1"><title>t</title></phase><final>a</final>`, domain.ErrorCodeStructural},
		{"nested tag in final", `<final>a<title>t</title></final>`, domain.ErrorCodeStructural},
		{"empty", ``, domain.ErrorCodeStructural},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDocument(tt.src)
			if err == nil {
				t.Fatal("ParseDocument() error = nil, want error")
			}
			var docErr *DocumentError
			if !errors.As(err, &docErr) {
				t.Fatalf("error type = %T, want *DocumentError", err)
			}
			if docErr.Code != tt.wantCode {
				t.Errorf("Code = %v, want %v (%v)", docErr.Code, tt.wantCode, err)
			}
		})
	}
}

func TestParseDocument_SerpQueries(t *testing.T) {
	tests := []struct {
		name        string
		src         string
		wantFinal   string
		wantQueries []string
		hasQueries  bool
	}{
		{
			name:        "serp element",
			src:         `<final>Answer<serp>["a", "b"]</serp></final>`,
			wantFinal:   "Answer",
			wantQueries: []string{"a", "b"},
			hasQueries:  true,
		},
		{
			name:      "malformed serp element",
			src:       `<final>Answer<serp>not json</serp></final>`,
			wantFinal: "Answer",
		},
		{
			name:        "comment block",
			src:         "<final>Answer<!-- serp_queries -->\n[\"x\"]\n<!-- /serp_queries --></final>",
			wantFinal:   "Answer",
			wantQueries: []string{"x"},
			hasQueries:  true,
		},
		{
			name:      "malformed inline comment",
			src:       `<final>Answer<!-- serp_queries: [oops --></final>`,
			wantFinal: "Answer",
		},
		{
			name:        "blank queries dropped",
			src:         `<final>Answer<!-- serp_queries: ["q", "  "] --></final>`,
			wantFinal:   "Answer",
			wantQueries: []string{"q"},
			hasQueries:  true,
		},
		{
			name:        "first list wins",
			src:         `<final>Answer<serp>["first"]</serp><serp>["second"]</serp></final>`,
			wantFinal:   "Answer",
			wantQueries: []string{"first"},
			hasQueries:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ParseDocument(tt.src)
			if err != nil {
				t.Fatalf("ParseDocument() error = %v", err)
			}
			if doc.Final != tt.wantFinal {
				t.Errorf("Final = %q, want %q", doc.Final, tt.wantFinal)
			}
			if doc.HasQueries != tt.hasQueries {
				t.Errorf("HasQueries = %v, want %v", doc.HasQueries, tt.hasQueries)
			}
			if tt.hasQueries && !reflect.DeepEqual(doc.Queries, tt.wantQueries) {
				t.Errorf("Queries = %v, want %v", doc.Queries, tt.wantQueries)
			}
		})
	}
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestReplay(t *testing.T) {
	doc, err := ParseDocument(sampleDocument)
	if err != nil {
		t.Fatalf("ParseDocument() error = %v", err)
	}

	events := Replay(doc, "msg-1", 0)
	want := []EventType{
		EventThinkingStart,
		EventPhaseStart, EventPhaseDelta,
		EventPhaseStart, EventPhaseDelta,
		EventThinkingEnd,
		EventFinalDelta,
		EventSerpQueries,
		EventFinalEnd,
	}
	if got := eventTypes(events); !reflect.DeepEqual(got, want) {
		t.Fatalf("Replay() types = %v, want %v", got, want)
	}

	if got := events[1].Data.(PhaseStartPayload); got != (PhaseStartPayload{ID: 1, Title: "Understand"}) {
		t.Errorf("phase_start = %+v", got)
	}
	if got := events[4].Data.(PhaseDeltaPayload); got.ID != 2 || got.Text != "Compute 2+2." {
		t.Errorf("phase_delta = %+v", got)
	}
	if got := events[8].Data.(MarkerPayload); got.MessageID != "msg-1" {
		t.Errorf("final_end message id = %q, want msg-1", got.MessageID)
	}
}

func TestReplay_Chunked(t *testing.T) {
	doc := &ThinkingDocument{
		HasThinking: true,
		Phases:      []Phase{{ID: 1, Title: "t", Body: "abcdefghij"}},
		Final:       "hello",
	}

	events := Replay(doc, "m", 4)
	want := []EventType{
		EventThinkingStart,
		EventPhaseStart, EventPhaseDelta, EventPhaseDelta, EventPhaseDelta,
		EventThinkingEnd,
		EventFinalDelta, EventFinalDelta,
		EventFinalEnd,
	}
	if got := eventTypes(events); !reflect.DeepEqual(got, want) {
		t.Fatalf("Replay() types = %v, want %v", got, want)
	}
	if got := events[4].Data.(PhaseDeltaPayload).Text; got != "ij" {
		t.Errorf("last phase chunk = %q, want %q", got, "ij")
	}
}

func TestReplay_NoThinking(t *testing.T) {
	events := Replay(&ThinkingDocument{Final: "x"}, "m", 0)
	want := []EventType{EventFinalDelta, EventFinalEnd}
	if got := eventTypes(events); !reflect.DeepEqual(got, want) {
		t.Errorf("Replay() types = %v, want %v", got, want)
	}
}

func TestChunk(t *testing.T) {
	tests := []struct {
		s    string
		size int
		want []string
	}{
		{"", 3, nil},
		{"abc", 0, []string{"abc"}},
		{"abc", 3, []string{"abc"}},
		{"abcdef", 4, []string{"abcd", "ef"}},
		{"héllo", 2, []string{"hé", "ll", "o"}},
	}
	for _, tt := range tests {
		if got := chunk(tt.s, tt.size); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("chunk(%q, %d) = %q, want %q", tt.s, tt.size, got, tt.want)
		}
	}
}
