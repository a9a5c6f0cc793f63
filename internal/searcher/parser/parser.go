// Package parser turns query text into a tree of Term, Range, And and
// MatchAll nodes.
//
//	level:ERROR msg:"disk full" status:[500 TO 599] ts:{* TO 1700000000000000000}
//
// Clauses separated by whitespace are combined with an implicit AND. Field
// names are not checked here; a clause naming an unknown field simply
// matches nothing when executed.
package parser

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
)

// Node is one element of a parsed query. String renders the canonical form
// of the node, which parses back to an equal tree.
type Node interface {
	String() string
	node()
}

// Term matches documents where Field holds Value.
type Term struct {
	Field string
	Value string
}

// Bound is one end of a Range. A nil *Bound is unbounded.
type Bound struct {
	Value     string
	Inclusive bool
}

// Range matches documents where Field lies between Low and High.
type Range struct {
	Field string
	Low   *Bound
	High  *Bound
}

// And matches documents matched by every clause.
type And struct {
	Clauses []Node
}

// MatchAll matches every document.
type MatchAll struct{}

func (*Term) node()     {}
func (*Range) node()    {}
func (*And) node()      {}
func (*MatchAll) node() {}

// Fields lists the distinct field names n refers to, sorted.
func Fields(n Node) []string {
	seen := map[string]bool{}
	var walk func(Node)
	walk = func(n Node) {
		switch n := n.(type) {
		case *Term:
			seen[n.Field] = true
		case *Range:
			seen[n.Field] = true
		case *And:
			for _, c := range n.Clauses {
				walk(c)
			}
		}
	}
	walk(n)
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (t *Term) String() string {
	return t.Field + ":" + quote(t.Value)
}

func (r *Range) String() string {
	var b strings.Builder
	b.WriteString(r.Field)
	b.WriteByte(':')
	if r.Low != nil && !r.Low.Inclusive {
		b.WriteByte('{')
	} else {
		b.WriteByte('[')
	}
	b.WriteString(boundString(r.Low))
	b.WriteString(" TO ")
	b.WriteString(boundString(r.High))
	if r.High != nil && !r.High.Inclusive {
		b.WriteByte('}')
	} else {
		b.WriteByte(']')
	}
	return b.String()
}

func (a *And) String() string {
	parts := make([]string, len(a.Clauses))
	for i, c := range a.Clauses {
		parts[i] = c.String()
	}
	return strings.Join(parts, " ")
}

func (*MatchAll) String() string { return "*" }

func boundString(b *Bound) string {
	if b == nil {
		return "*"
	}
	if b.Value == "TO" {
		return `"TO"`
	}
	v := quote(b.Value)
	if v == b.Value && strings.ContainsAny(v, "]}") {
		return `"` + v + `"`
	}
	return v
}

func quote(v string) string {
	if v != "" && v != "*" && !strings.ContainsAny(v, "\"\\[{") && strings.IndexFunc(v, unicode.IsSpace) < 0 {
		return v
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range v {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// Parse parses query text. Malformed input yields a
// *errors.QuerySyntaxError whose Offset is the byte position of the problem.
func Parse(text string) (Node, error) {
	p := &parser{src: text}
	var clauses []Node
	for {
		p.skipSpace()
		if p.eof() {
			break
		}
		if len(clauses) > 0 && !p.sawSpace {
			return nil, p.errorf(p.pos, "expected whitespace between clauses")
		}
		c, err := p.clause()
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, c)
	}
	switch len(clauses) {
	case 0:
		return nil, p.errorf(0, "empty query")
	case 1:
		return clauses[0], nil
	default:
		return &And{Clauses: clauses}, nil
	}
}

type parser struct {
	src      string
	pos      int
	sawSpace bool
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) peek() rune {
	r, _ := utf8.DecodeRuneInString(p.src[p.pos:])
	return r
}

func (p *parser) atSpace() bool {
	return !p.eof() && unicode.IsSpace(p.peek())
}

func (p *parser) skipSpace() {
	p.sawSpace = false
	for p.atSpace() {
		_, n := utf8.DecodeRuneInString(p.src[p.pos:])
		p.pos += n
		p.sawSpace = true
	}
}

func (p *parser) errorf(offset int, msg string) error {
	return &apperrors.QuerySyntaxError{Offset: offset, Message: msg}
}

func (p *parser) clause() (Node, error) {
	start := p.pos
	if p.peek() == '*' && (p.pos+1 == len(p.src) || unicode.IsSpace(rune(p.src[p.pos+1]))) {
		p.pos++
		return &MatchAll{}, nil
	}
	for !p.eof() && !p.atSpace() && p.peek() != ':' {
		switch p.peek() {
		case '"', '[', ']', '{', '}':
			return nil, p.errorf(p.pos, "unexpected "+string(p.peek())+" in field name")
		}
		_, n := utf8.DecodeRuneInString(p.src[p.pos:])
		p.pos += n
	}
	field := p.src[start:p.pos]
	if field == "" {
		return nil, p.errorf(p.pos, "expected field name")
	}
	if p.eof() || p.peek() != ':' {
		return nil, p.errorf(p.pos, "missing ':' after field "+field)
	}
	p.pos++
	if p.eof() || p.atSpace() {
		return nil, p.errorf(p.pos, "empty value for field "+field)
	}
	switch p.peek() {
	case '[', '{':
		return p.rangeClause(field)
	}
	value, err := p.value(false)
	if err != nil {
		return nil, err
	}
	return &Term{Field: field, Value: value}, nil
}

// value reads a quoted string or a bare token. Inside a range a bare token
// also stops at a closing bracket.
func (p *parser) value(inRange bool) (string, error) {
	if p.peek() == '"' {
		return p.quoted()
	}
	start := p.pos
	for !p.eof() && !p.atSpace() {
		if r := p.peek(); inRange && (r == ']' || r == '}') {
			break
		}
		_, n := utf8.DecodeRuneInString(p.src[p.pos:])
		p.pos += n
	}
	if p.pos == start {
		return "", p.errorf(p.pos, "expected value")
	}
	return p.src[start:p.pos], nil
}

func (p *parser) quoted() (string, error) {
	open := p.pos
	p.pos++
	var b strings.Builder
	for !p.eof() {
		c := p.src[p.pos]
		switch c {
		case '"':
			p.pos++
			return b.String(), nil
		case '\\':
			if p.pos+1 >= len(p.src) {
				return "", p.errorf(p.pos, "dangling escape")
			}
			next := p.src[p.pos+1]
			if next != '"' && next != '\\' {
				return "", p.errorf(p.pos, `unknown escape \`+string(next))
			}
			b.WriteByte(next)
			p.pos += 2
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", p.errorf(open, "unterminated quoted string")
}

func (p *parser) rangeClause(field string) (Node, error) {
	open := p.pos
	lowInclusive := p.src[p.pos] == '['
	p.pos++
	p.skipSpace()
	low, err := p.bound(lowInclusive)
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !strings.HasPrefix(p.src[p.pos:], "TO") {
		return nil, p.errorf(p.pos, "expected TO in range")
	}
	p.pos += 2
	if !p.atSpace() {
		return nil, p.errorf(p.pos, "expected whitespace after TO")
	}
	p.skipSpace()
	if p.eof() {
		return nil, p.errorf(open, "unterminated range")
	}
	// The closing bracket decides whether the high bound is inclusive, so
	// parse the value first and patch it afterwards.
	high, err := p.bound(true)
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.eof() {
		return nil, p.errorf(open, "unterminated range")
	}
	switch p.src[p.pos] {
	case ']':
	case '}':
		if high != nil {
			high.Inclusive = false
		}
	default:
		return nil, p.errorf(p.pos, "expected ] or } to close range")
	}
	p.pos++
	if !p.eof() && !p.atSpace() {
		return nil, p.errorf(p.pos, "expected whitespace after range")
	}
	return &Range{Field: field, Low: low, High: high}, nil
}

func (p *parser) bound(inclusive bool) (*Bound, error) {
	if p.eof() {
		return nil, p.errorf(p.pos, "unterminated range")
	}
	if p.peek() == '*' {
		next := p.pos + 1
		if next == len(p.src) || unicode.IsSpace(rune(p.src[next])) || p.src[next] == ']' || p.src[next] == '}' {
			p.pos++
			return nil, nil
		}
	}
	v, err := p.value(true)
	if err != nil {
		return nil, err
	}
	return &Bound{Value: v, Inclusive: inclusive}, nil
}
