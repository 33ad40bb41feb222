package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrSyntax reports malformed JSON text.
var ErrSyntax = errors.New("content: invalid json")

// MarshalJSON encodes v as plain JSON with no envelope.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindNumber && (math.IsNaN(v.num) || math.IsInf(v.num, 0)) {
		return nil, fmt.Errorf("content: cannot encode %v as json", v.num)
	}
	var b strings.Builder
	writeJSON(&b, v)
	return []byte(b.String()), nil
}

// UnmarshalJSON decodes JSON keeping object key order.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Parse decodes a complete JSON document.
func Parse(data []byte) (Value, error) {
	p := &parser{src: data}
	p.skipSpace()
	val, err := p.value()
	if err != nil {
		return Null, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return Null, p.errorf("trailing data")
	}
	return val, nil
}

// ParsePartial decodes a JSON prefix produced mid-generation. Open strings,
// lists, and maps are closed at the cut point; a map key whose value has not
// started yet is dropped, as is an unfinished literal such as "tru". The
// boolean result reports whether the text was already a complete document.
func ParsePartial(text string) (Value, bool, error) {
	p := &parser{src: []byte(text), partial: true}
	p.skipSpace()
	if p.eof() {
		return Null, false, nil
	}
	val, err := p.value()
	if err != nil {
		if errors.Is(err, errTruncated) {
			return Null, false, nil
		}
		return Null, false, err
	}
	p.skipSpace()
	if p.truncated {
		return val, false, nil
	}
	if p.pos != len(p.src) {
		return Null, false, p.errorf("trailing data")
	}
	return val, true, nil
}

var errTruncated = errors.New("content: truncated")

// maxDepth bounds list and map nesting, matching encoding/json.
const maxDepth = 10000

type parser struct {
	src       []byte
	pos       int
	depth     int
	partial   bool
	truncated bool
}

func (p *parser) nested(fn func() (Value, error)) (Value, error) {
	if p.depth >= maxDepth {
		return Null, p.errorf("exceeded max depth %d", maxDepth)
	}
	p.depth++
	defer func() { p.depth-- }()
	return fn()
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, p.pos, fmt.Sprintf(format, args...))
}

// cut records that input ended early. In strict mode it is a syntax error.
func (p *parser) cut() error {
	if !p.partial {
		return p.errorf("unexpected end of input")
	}
	p.truncated = true
	return errTruncated
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) value() (Value, error) {
	if p.eof() {
		return Null, p.cut()
	}
	switch c := p.src[p.pos]; {
	case c == '{':
		return p.nested(p.object)
	case c == '[':
		return p.nested(p.array)
	case c == '"':
		s, err := p.str()
		if err != nil {
			return Null, err
		}
		return String(s), nil
	case c == 't':
		return p.literal("true", Bool(true))
	case c == 'f':
		return p.literal("false", Bool(false))
	case c == 'n':
		return p.literal("null", Null)
	case c == '-' || (c >= '0' && c <= '9'):
		return p.number()
	default:
		return Null, p.errorf("unexpected character %q", c)
	}
}

func (p *parser) literal(word string, v Value) (Value, error) {
	rest := p.src[p.pos:]
	if len(rest) < len(word) {
		if strings.HasPrefix(word, string(rest)) {
			p.pos = len(p.src)
			return Null, p.cut()
		}
		return Null, p.errorf("invalid literal")
	}
	if string(rest[:len(word)]) != word {
		return Null, p.errorf("invalid literal")
	}
	p.pos += len(word)
	return v, nil
}

func (p *parser) number() (Value, error) {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E' {
			p.pos++
			continue
		}
		break
	}
	lit := string(p.src[start:p.pos])
	atEnd := p.eof()
	if !json.Valid([]byte(lit)) {
		if p.partial && atEnd {
			// "12." or "1e" is a number still being generated.
			trimmed := strings.TrimRight(lit, ".eE+-")
			if trimmed == "" || !json.Valid([]byte(trimmed)) {
				return Null, p.cut()
			}
			p.truncated = true
			lit = trimmed
		} else {
			return Null, p.errorf("invalid number %q", lit)
		}
	} else if p.partial && atEnd {
		p.truncated = true
	}
	if i, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return Int(i), nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return Null, p.errorf("invalid number %q", lit)
	}
	return Float(f), nil
}

// str consumes a string token starting at the opening quote.
func (p *parser) str() (string, error) {
	start := p.pos
	p.pos++
	escaped := false
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			p.pos++
			var out string
			if err := json.Unmarshal(p.src[start:p.pos], &out); err != nil {
				return "", p.errorf("invalid string: %v", err)
			}
			return out, nil
		case c < 0x20:
			return "", p.errorf("control character in string")
		}
		p.pos++
	}
	if !p.partial {
		return "", p.errorf("unterminated string")
	}
	p.truncated = true
	return closePartialString(p.src[start:]), nil
}

// closePartialString recovers the decoded prefix of an unterminated string,
// dropping an incomplete trailing escape sequence.
func closePartialString(raw []byte) string {
	body := string(raw)
	for trim := 0; trim <= 6 && trim < len(body); trim++ {
		candidate := body[:len(body)-trim] + `"`
		var out string
		if err := json.Unmarshal([]byte(candidate), &out); err == nil {
			return out
		}
	}
	return ""
}

func (p *parser) array() (Value, error) {
	p.pos++
	var items []Value
	for {
		p.skipSpace()
		if p.eof() {
			if err := p.cut(); !errors.Is(err, errTruncated) {
				return Null, err
			}
			return Value{kind: KindList, list: items}, nil
		}
		if p.src[p.pos] == ']' {
			p.pos++
			return Value{kind: KindList, list: items}, nil
		}
		if len(items) > 0 {
			if p.src[p.pos] != ',' {
				return Null, p.errorf("expected ',' in array")
			}
			p.pos++
			p.skipSpace()
		}
		item, err := p.value()
		if errors.Is(err, errTruncated) {
			return Value{kind: KindList, list: items}, nil
		}
		if err != nil {
			return Null, err
		}
		items = append(items, item)
		if p.truncated {
			return Value{kind: KindList, list: items}, nil
		}
	}
}

func (p *parser) object() (Value, error) {
	p.pos++
	obj := &object{vals: map[string]Value{}}
	done := func() Value { return Value{kind: KindMap, obj: obj} }
	for {
		p.skipSpace()
		if p.eof() {
			if err := p.cut(); !errors.Is(err, errTruncated) {
				return Null, err
			}
			return done(), nil
		}
		if p.src[p.pos] == '}' {
			p.pos++
			return done(), nil
		}
		if len(obj.keys) > 0 {
			if p.src[p.pos] != ',' {
				return Null, p.errorf("expected ',' in object")
			}
			p.pos++
			p.skipSpace()
		}
		if p.eof() {
			if err := p.cut(); !errors.Is(err, errTruncated) {
				return Null, err
			}
			return done(), nil
		}
		if p.src[p.pos] != '"' {
			return Null, p.errorf("expected object key")
		}
		key, err := p.str()
		if err != nil {
			return Null, err
		}
		if p.truncated {
			// Key itself is incomplete.
			return done(), nil
		}
		p.skipSpace()
		if p.eof() {
			if err := p.cut(); !errors.Is(err, errTruncated) {
				return Null, err
			}
			return done(), nil
		}
		if p.src[p.pos] != ':' {
			return Null, p.errorf("expected ':' after key")
		}
		p.pos++
		p.skipSpace()
		val, err := p.value()
		if errors.Is(err, errTruncated) {
			return done(), nil
		}
		if err != nil {
			return Null, err
		}
		if _, seen := obj.vals[key]; !seen {
			obj.keys = append(obj.keys, key)
		}
		obj.vals[key] = val
		if p.truncated {
			return done(), nil
		}
	}
}

func writeJSON(b *strings.Builder, v Value) {
	switch v.kind {
	case KindNull:
		b.WriteString("null")
	case KindBool:
		if v.b {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case KindNumber:
		if v.isInt {
			b.WriteString(strconv.FormatInt(v.i, 10))
			return
		}
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			b.WriteString("null")
			return
		}
		raw, _ := json.Marshal(v.num)
		b.Write(raw)
	case KindString:
		raw, _ := json.Marshal(v.s)
		b.Write(raw)
	case KindList:
		b.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSON(b, item)
		}
		b.WriteByte(']')
	case KindMap:
		b.WriteByte('{')
		for i, k := range v.obj.keys {
			if i > 0 {
				b.WriteByte(',')
			}
			raw, _ := json.Marshal(k)
			b.Write(raw)
			b.WriteByte(':')
			writeJSON(b, v.obj.vals[k])
		}
		b.WriteByte('}')
	}
}
