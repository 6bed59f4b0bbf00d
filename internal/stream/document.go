package stream

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
)

// allowedTags are the only element names a structured reply may contain.
var allowedTags = map[string]bool{
	"think":    true,
	"serp":     true,
	"thinking": true,
	"phase":    true,
	"title":    true,
	"final":    true,
}

// Phase is one numbered reasoning step.
type Phase struct {
	ID    int
	Title string
	Body  string
}

// ThinkingDocument is a parsed structured reply.
type ThinkingDocument struct {
	HasThinking bool
	Phases      []Phase
	Final       string
	Queries     []string
	HasQueries  bool
}

// DocumentError is a structural violation in a structured reply.
type DocumentError struct {
	Code    domain.ErrorCode
	Offset  int
	Message string
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("%s at offset %d: %s", e.Code, e.Offset, e.Message)
}

func structural(offset int, format string, args ...any) *DocumentError {
	return &DocumentError{Code: domain.ErrorCodeStructural, Offset: offset, Message: fmt.Sprintf(format, args...)}
}

type tokenKind int

const (
	tokText tokenKind = iota
	tokOpen
	tokClose
	tokComment
)

type token struct {
	kind  tokenKind
	name  string // lower-cased tag name
	attrs string
	text  string
	pos   int
}

func (t token) String() string {
	switch t.kind {
	case tokOpen:
		return "<" + t.name + ">"
	case tokClose:
		return "</" + t.name + ">"
	case tokComment:
		return "comment"
	default:
		return "text"
	}
}

// tokenize splits src into text, tag, and comment tokens. A '<' is text
// unless it begins markup (see markup). Tags outside allowedTags fail with
// disallowed_tag.
func tokenize(src string) ([]token, error) {
	var toks []token
	textStart := 0
	flush := func(end int) {
		if end > textStart {
			toks = append(toks, token{kind: tokText, text: src[textStart:end], pos: textStart})
		}
	}

	for i := 0; i < len(src); {
		if src[i] != '<' {
			i++
			continue
		}

		if strings.HasPrefix(src[i:], "<!--") {
			end := strings.Index(src[i+4:], "-->")
			if end < 0 {
				return nil, structural(i, "unterminated comment")
			}
			flush(i)
			toks = append(toks, token{kind: tokComment, text: src[i+4 : i+4+end], pos: i})
			i += 4 + end + 3
			textStart = i
			continue
		}

		tok, end, ok, err := markup(src, i)
		if err != nil {
			return nil, err
		}
		if !ok {
			i++
			continue
		}
		flush(i)
		toks = append(toks, tok)
		i = end + 1
		textStart = i
	}
	flush(len(src))
	return toks, nil
}

// markup reads the tag starting at src[i] == '<' and returns it with the
// index of its closing '>'. ok is false when the '<' is plain text, as in
// "i<n" or "a <b and c> d": a tag name must be followed by whitespace, '>'
// or "/>", and the tag must close before the next '<'. A permitted name that
// never closes is a structural error. An unknown name is reported as a
// disallowed tag only when it looks like markup: bare, self-closing, or
// carrying name=value attributes.
func markup(src string, i int) (tok token, end int, ok bool, err error) {
	j := i + 1
	if j < len(src) && src[j] == '!' {
		if j+1 >= len(src) || !isLetter(src[j+1]) {
			return token{}, 0, false, nil
		}
		end = tagEnd(src, j)
		if end < 0 {
			return token{}, 0, false, nil
		}
		return token{}, 0, false, &DocumentError{Code: domain.ErrorCodeDisallowedTag, Offset: i,
			Message: fmt.Sprintf("declaration <%s> is not permitted", src[j:end])}
	}

	if j < len(src) && src[j] == '/' {
		j++
	}
	if j >= len(src) || !isLetter(src[j]) {
		return token{}, 0, false, nil
	}
	n := j
	for n < len(src) && isNameByte(src[n]) {
		n++
	}
	name := strings.ToLower(src[j:n])
	allowed := allowedTags[name]

	if n >= len(src) {
		if allowed {
			return token{}, 0, false, structural(i, "unterminated tag <%s", name)
		}
		return token{}, 0, false, nil
	}
	switch c := src[n]; {
	case c == '>', isSpace(c):
	case c == '/' && n+1 < len(src) && src[n+1] == '>':
	default:
		return token{}, 0, false, nil
	}

	end = tagEnd(src, n)
	if end < 0 {
		if allowed {
			return token{}, 0, false, structural(i, "unterminated tag <%s", name)
		}
		return token{}, 0, false, nil
	}
	if !allowed {
		rest := strings.TrimSpace(src[n:end])
		if rest != "" && rest != "/" && !strings.Contains(rest, "=") {
			return token{}, 0, false, nil
		}
		return token{}, 0, false, &DocumentError{Code: domain.ErrorCodeDisallowedTag, Offset: i,
			Message: fmt.Sprintf("tag <%s> is not permitted", name)}
	}

	tok, err = parseTag(src[i+1:end], i)
	if err != nil {
		return token{}, 0, false, err
	}
	return tok, end, true, nil
}

// tagEnd returns the index of the first '>' at or after from, or -1 when a
// '<' or the end of src comes first.
func tagEnd(src string, from int) int {
	for k := from; k < len(src); k++ {
		switch src[k] {
		case '>':
			return k
		case '<':
			return -1
		}
	}
	return -1
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

func isNameByte(c byte) bool {
	return c == '-' || c == '_' || c == ':' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func parseTag(raw string, pos int) (token, error) {
	tok := token{kind: tokOpen, pos: pos}
	if strings.HasPrefix(raw, "/") {
		tok.kind = tokClose
		raw = raw[1:]
	}
	if strings.HasPrefix(raw, "!") {
		return tok, &DocumentError{Code: domain.ErrorCodeDisallowedTag, Offset: pos,
			Message: fmt.Sprintf("declaration <%s> is not permitted", raw)}
	}

	selfClosing := strings.HasSuffix(raw, "/")
	raw = strings.TrimSuffix(raw, "/")

	n := 0
	for n < len(raw) && isNameByte(raw[n]) {
		n++
	}
	tok.name = strings.ToLower(raw[:n])
	tok.attrs = strings.TrimSpace(raw[n:])

	if tok.name == "" {
		return tok, structural(pos, "malformed tag")
	}
	if !allowedTags[tok.name] {
		return tok, &DocumentError{Code: domain.ErrorCodeDisallowedTag, Offset: pos,
			Message: fmt.Sprintf("tag <%s> is not permitted", tok.name)}
	}
	if selfClosing {
		return tok, structural(pos, "self-closing <%s/> is not permitted", tok.name)
	}
	if tok.kind == tokClose && tok.attrs != "" {
		return tok, structural(pos, "closing </%s> cannot carry attributes", tok.name)
	}
	return tok, nil
}

// phaseIDPattern matches id=1, id="1" or id='1'; the digits must be the
// whole value.
var phaseIDPattern = regexp.MustCompile(`(?i)(?:^|\s)id\s*=\s*(?:"(\d+)"|'(\d+)'|(\d+)(?:\s|$))`)

// ParseDocument validates and parses a complete structured reply.
func ParseDocument(src string) (*ThinkingDocument, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, end: len(src)}
	if err := p.document(); err != nil {
		return nil, err
	}
	return &p.doc, nil
}

type parser struct {
	toks []token
	i    int
	end  int
	doc  ThinkingDocument
}

func (p *parser) next() (token, bool) {
	if p.i >= len(p.toks) {
		return token{}, false
	}
	t := p.toks[p.i]
	p.i++
	return t, true
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func (p *parser) document() error {
	seenThinking, seenFinal := false, false

	for {
		t, ok := p.next()
		if !ok {
			break
		}
		switch t.kind {
		case tokText:
			if !blank(t.text) {
				return structural(t.pos, "text outside <thinking> and <final>")
			}
		case tokComment:
			// dropped
		case tokClose:
			return structural(t.pos, "unexpected %s", t)
		case tokOpen:
			switch t.name {
			case "think":
				if err := p.skipThink(t); err != nil {
					return err
				}
			case "thinking":
				if seenThinking {
					return structural(t.pos, "duplicate <thinking>")
				}
				if seenFinal {
					return structural(t.pos, "<thinking> must close before <final> opens")
				}
				seenThinking = true
				p.doc.HasThinking = true
				if err := p.thinking(t); err != nil {
					return err
				}
			case "final":
				if seenFinal {
					return structural(t.pos, "duplicate <final>")
				}
				seenFinal = true
				if err := p.final(t); err != nil {
					return err
				}
			default:
				return structural(t.pos, "%s outside its parent element", t)
			}
		}
	}

	if !seenFinal {
		return structural(p.end, "missing <final>")
	}
	return nil
}

// skipThink drops a <think> scratch block, including nested think blocks.
func (p *parser) skipThink(open token) error {
	depth := 1
	for {
		t, ok := p.next()
		if !ok {
			return structural(open.pos, "unterminated <think>")
		}
		if t.name != "think" {
			continue
		}
		switch t.kind {
		case tokOpen:
			depth++
		case tokClose:
			depth--
			if depth == 0 {
				return nil
			}
		}
	}
}

func (p *parser) thinking(open token) error {
	for {
		t, ok := p.next()
		if !ok {
			return structural(open.pos, "unterminated <thinking>")
		}
		switch {
		case t.kind == tokText:
			if !blank(t.text) {
				return structural(t.pos, "text inside <thinking> must belong to a <phase>")
			}
		case t.kind == tokComment:
		case t.kind == tokOpen && t.name == "phase":
			if err := p.phase(t, len(p.doc.Phases)+1); err != nil {
				return err
			}
		case t.kind == tokClose && t.name == "thinking":
			return nil
		case t.kind == tokOpen && t.name == "final":
			return structural(t.pos, "<thinking> must close before <final> opens")
		default:
			return structural(t.pos, "unexpected %s inside <thinking>", t)
		}
	}
}

func (p *parser) phase(open token, wantID int) error {
	m := phaseIDPattern.FindStringSubmatch(open.attrs)
	if m == nil {
		return structural(open.pos, "<phase> is missing an integer id")
	}
	raw := m[1] + m[2] + m[3]
	id, err := strconv.Atoi(raw)
	if err != nil || id != wantID {
		return structural(open.pos, "phase id %s out of order, want %d", raw, wantID)
	}

	// The title comes first, optionally preceded by whitespace.
	var title string
	for title == "" {
		t, ok := p.next()
		if !ok {
			return structural(open.pos, "unterminated <phase>")
		}
		switch {
		case t.kind == tokText && blank(t.text), t.kind == tokComment:
			continue
		case t.kind == tokOpen && t.name == "title":
			text, err := p.textUntil("title", t)
			if err != nil {
				return err
			}
			if title = strings.TrimSpace(text); title == "" {
				return structural(t.pos, "phase %d has an empty title", id)
			}
		default:
			return structural(t.pos, "phase %d must start with a non-empty <title>", id)
		}
	}

	body, err := p.textUntil("phase", open)
	if err != nil {
		return err
	}
	p.doc.Phases = append(p.doc.Phases, Phase{ID: id, Title: title, Body: strings.TrimSpace(body)})
	return nil
}

// textUntil collects text up to the closing tag of name. Comments are
// dropped; any other tag is a structural error.
func (p *parser) textUntil(name string, open token) (string, error) {
	var b strings.Builder
	for {
		t, ok := p.next()
		if !ok {
			return "", structural(open.pos, "unterminated <%s>", name)
		}
		switch {
		case t.kind == tokText:
			b.WriteString(t.text)
		case t.kind == tokComment:
		case t.kind == tokClose && t.name == name:
			return b.String(), nil
		default:
			return "", structural(t.pos, "unexpected %s inside <%s>", t, name)
		}
	}
}

func (p *parser) final(open token) error {
	var (
		text      strings.Builder
		capturing bool
		serpBuf   strings.Builder
	)
	for {
		t, ok := p.next()
		if !ok {
			return structural(open.pos, "unterminated <final>")
		}
		switch {
		case t.kind == tokText:
			if capturing {
				serpBuf.WriteString(t.text)
			} else {
				text.WriteString(t.text)
			}
		case t.kind == tokComment:
			body := strings.TrimSpace(t.text)
			lower := strings.ToLower(body)
			switch {
			case strings.HasPrefix(lower, "serp_queries"):
				rest := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(body[len("serp_queries"):]), ":="))
				if rest == "" {
					capturing = true
					serpBuf.Reset()
				} else {
					p.addQueries(rest)
				}
			case capturing && lower == "/serp_queries":
				capturing = false
				p.addQueries(serpBuf.String())
			}
		case t.kind == tokOpen && t.name == "serp":
			raw, err := p.textUntil("serp", t)
			if err != nil {
				return err
			}
			p.addQueries(raw)
		case t.kind == tokClose && t.name == "final":
			if capturing {
				p.addQueries(serpBuf.String())
			}
			p.doc.Final = strings.TrimSpace(text.String())
			return nil
		default:
			return structural(t.pos, "unexpected %s inside <final>", t)
		}
	}
}

// addQueries keeps the first well-formed JSON string array. Malformed
// lists are ignored.
func (p *parser) addQueries(raw string) {
	if p.doc.HasQueries {
		return
	}
	var queries []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &queries); err != nil {
		return
	}
	cleaned := make([]string, 0, len(queries))
	for _, q := range queries {
		if q = strings.TrimSpace(q); q != "" {
			cleaned = append(cleaned, q)
		}
	}
	p.doc.Queries = cleaned
	p.doc.HasQueries = true
}

// Replay renders doc as the fixed structured event sequence. chunkSize
// splits phase and final bodies into deltas of at most that many runes;
// zero emits each body as one delta.
func Replay(doc *ThinkingDocument, messageID string, chunkSize int) []Event {
	var events []Event
	marker := MarkerPayload{MessageID: messageID}

	if doc.HasThinking {
		events = append(events, Event{Type: EventThinkingStart, Data: marker})
		for _, ph := range doc.Phases {
			events = append(events, Event{Type: EventPhaseStart, Data: PhaseStartPayload{ID: ph.ID, Title: ph.Title}})
			for _, part := range chunk(ph.Body, chunkSize) {
				events = append(events, Event{Type: EventPhaseDelta, Data: PhaseDeltaPayload{ID: ph.ID, Text: part}})
			}
		}
		events = append(events, Event{Type: EventThinkingEnd, Data: marker})
	}

	for _, part := range chunk(doc.Final, chunkSize) {
		events = append(events, Event{Type: EventFinalDelta, Data: FinalDeltaPayload{Text: part}})
	}
	if doc.HasQueries {
		events = append(events, Event{Type: EventSerpQueries, Data: SerpQueriesPayload{Queries: doc.Queries}})
	}
	events = append(events, Event{Type: EventFinalEnd, Data: marker})
	return events
}

func chunk(s string, size int) []string {
	if s == "" {
		return nil
	}
	if size <= 0 || utf8.RuneCountInString(s) <= size {
		return []string{s}
	}
	var parts []string
	for len(s) > 0 {
		n, i := 0, 0
		for i < len(s) && n < size {
			_, w := utf8.DecodeRuneInString(s[i:])
			i += w
			n++
		}
		parts = append(parts, s[:i])
		s = s[i:]
	}
	return parts
}
