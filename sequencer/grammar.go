package sequencer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Schema is the compiled form of a schema text: typedefs and messages.
type Schema struct {
	types    map[string]*Type
	messages map[string]*Type
	order    []*Type
}

// Typedef returns the typedef called name, or nil.
func (s *Schema) Typedef(name string) *Type {
	return s.types[name]
}

// Message returns the message called name, or nil. Names are matched
// exactly.
func (s *Schema) Message(name string) *Type {
	return s.messages[name]
}

// Messages returns all messages in declaration order.
func (s *Schema) Messages() []*Type {
	return append([]*Type(nil), s.order...)
}

var (
	identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	labelRE = regexp.MustCompile(`^\.[A-Za-z0-9_]+$`)

	// name[spec], name[spec]:auto, count*(elem[spec]), count*(elem[spec]):auto
	fieldRE = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)(?:\[([A-Za-z0-9_]+)\]|\*\(([A-Za-z_][A-Za-z0-9_]*)\[([A-Za-z0-9_]+)\]\))(:auto)?$`)
)

// MustCompile is like Compile but panics on error. It is meant for schemas
// compiled at package initialization.
func MustCompile(src string) *Schema {
	s, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return s
}

// Compile compiles schema text.
//
// Each non-blank line declares either a typedef or a message; '#' starts a
// comment.
//
//	type qid: type[1] version[4] path[8]
//	Tversion=100: tag[2] msize[4] version[s]:auto
//	Rlerror=7 .L: tag[2] ecode[4]
//
// Field tokens are:
//
//	name[N]             unsigned integer of N (1, 2, 4 or 8) bytes
//	name[s]             string with a 2-byte length
//	name[typedef]       nested record of an earlier typedef
//	name[field]         blob whose length is the earlier integer field
//	field*(name[spec])  array whose count is the earlier integer field
//	{ .label: ... }     fields present only when .label is enabled
//
// Any field token may end in ":auto". A message opcode defaults to the
// previous message's opcode plus one, starting at 0.
func Compile(src string) (*Schema, error) {
	s := &Schema{
		types:    make(map[string]*Type),
		messages: make(map[string]*Type),
	}
	var seenOps [256]string
	next := 0

	for i, line := range strings.Split(src, "\n") {
		lineno := i + 1
		fail := func(format string, args ...interface{}) error {
			return &GrammarError{Line: lineno, Msg: fmt.Sprintf(format, args...)}
		}

		if j := strings.IndexByte(line, '#'); j >= 0 {
			line = line[:j]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, fail("missing ':' after declaration name")
		}
		head := strings.Fields(line[:colon])
		body := line[colon+1:]

		if len(head) == 2 && head[0] == "type" {
			name := head[1]
			if !identRE.MatchString(name) {
				return nil, fail("bad typedef name %q", name)
			}
			if _, ok := s.types[name]; ok {
				return nil, fail("duplicate typedef %q", name)
			}
			if _, ok := s.messages[name]; ok {
				return nil, fail("typedef %q conflicts with message of the same name", name)
			}
			seq, err := compileFields(body, s.types)
			if err != nil {
				return nil, fail("typedef %s: %v", name, err)
			}
			s.types[name] = &Type{name: name, seq: seq}
			continue
		}

		if len(head) < 1 || len(head) > 2 {
			return nil, fail("malformed declaration %q", line[:colon])
		}
		name := head[0]
		op := next
		if j := strings.IndexByte(name, '='); j >= 0 {
			n, err := strconv.Atoi(name[j+1:])
			if err != nil {
				return nil, fail("bad opcode %q", name[j+1:])
			}
			name, op = name[:j], n
		}
		if op < 0 || op > 255 {
			return nil, fail("opcode %d of %s out of range 0..255", op, name)
		}
		if !identRE.MatchString(name) {
			return nil, fail("bad message name %q", name)
		}
		var since string
		if len(head) == 2 {
			since = head[1]
			if !labelRE.MatchString(since) {
				return nil, fail("bad label %q on %s", since, name)
			}
		}
		if _, ok := s.messages[name]; ok {
			return nil, fail("duplicate message %q", name)
		}
		if _, ok := s.types[name]; ok {
			return nil, fail("message %q conflicts with typedef of the same name", name)
		}
		if prev := seenOps[op]; prev != "" {
			return nil, fail("opcode %d of %s already used by %s", op, name, prev)
		}
		seq, err := compileFields(body, s.types)
		if err != nil {
			return nil, fail("%s: %v", name, err)
		}
		t := &Type{name: name, seq: seq, message: true, op: uint8(op), since: since}
		s.messages[name] = t
		s.order = append(s.order, t)
		seenOps[op] = name
		next = op + 1
	}
	return s, nil
}

// compileFields compiles the field list of one declaration.
func compileFields(body string, types map[string]*Type) (*Sequencer, error) {
	body = strings.NewReplacer("{", " { ", "}", " } ").Replace(body)
	toks := strings.Fields(body)

	seq := &Sequencer{index: make(map[string]int)}
	var cond string
	inCond := false

	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		switch tok {
		case "{":
			if inCond {
				return nil, fmt.Errorf("nested conditional segment")
			}
			if i+1 >= len(toks) || !strings.HasSuffix(toks[i+1], ":") {
				return nil, fmt.Errorf("conditional segment needs a label")
			}
			label := strings.TrimSuffix(toks[i+1], ":")
			if !labelRE.MatchString(label) {
				return nil, fmt.Errorf("bad label %q", label)
			}
			cond, inCond = label, true
			i++

		case "}":
			if !inCond {
				return nil, fmt.Errorf("unbalanced '}'")
			}
			cond, inCond = "", false

		default:
			f, err := parseField(tok, seq, types)
			if err != nil {
				return nil, err
			}
			f.Cond = cond
			if f.Count != "" {
				cf := &seq.fields[seq.index[f.Count]]
				if cf.Cond != "" && cf.Cond != cond {
					return nil, fmt.Errorf("field %q sized by %q, which is conditional on %s", f.Name, f.Count, cf.Cond)
				}
				cf.IsLen = true
			}
			seq.index[f.Name] = len(seq.fields)
			seq.fields = append(seq.fields, f)
		}
	}
	if inCond {
		return nil, fmt.Errorf("unterminated conditional segment")
	}
	return seq, nil
}

func parseField(tok string, seq *Sequencer, types map[string]*Type) (Field, error) {
	m := fieldRE.FindStringSubmatch(tok)
	if m == nil {
		return Field{}, fmt.Errorf("malformed field %q", tok)
	}
	auto := m[5] != ""

	// Array: count*(elem[spec]).
	if m[3] != "" {
		count := m[1]
		if err := checkCount(seq, count); err != nil {
			return Field{}, err
		}
		elem, err := resolveSpec(m[3], m[4], nil, types)
		if err != nil {
			return Field{}, err
		}
		if _, ok := seq.index[m[3]]; ok {
			return Field{}, fmt.Errorf("duplicate field %q", m[3])
		}
		return Field{Name: m[3], Kind: Array, Elem: &elem, Count: count, Auto: auto}, nil
	}

	name := m[1]
	if _, ok := seq.index[name]; ok {
		return Field{}, fmt.Errorf("duplicate field %q", name)
	}
	f, err := resolveSpec(name, m[2], seq, types)
	if err != nil {
		return Field{}, err
	}
	f.Auto = auto
	return f, nil
}

// resolveSpec resolves the bracketed part of a field token. seq is nil for
// array elements, which cannot refer to sibling fields.
func resolveSpec(name, spec string, seq *Sequencer, types map[string]*Type) (Field, error) {
	switch spec {
	case "1", "2", "4", "8":
		w, _ := strconv.Atoi(spec)
		return Field{Name: name, Kind: Uint, Width: w}, nil
	case "s":
		return Field{Name: name, Kind: String}, nil
	}
	if spec[0] >= '0' && spec[0] <= '9' {
		return Field{}, fmt.Errorf("field %q: bad width %s", name, spec)
	}
	if seq != nil {
		if _, ok := seq.index[spec]; ok {
			if err := checkCount(seq, spec); err != nil {
				return Field{}, err
			}
			return Field{Name: name, Kind: Data, Count: spec}, nil
		}
	}
	if t, ok := types[spec]; ok {
		return Field{Name: name, Kind: Typed, Type: t}, nil
	}
	return Field{}, fmt.Errorf("field %q: unknown type %q", name, spec)
}

// checkCount verifies that name is an earlier integer field of seq.
func checkCount(seq *Sequencer, name string) error {
	i, ok := seq.index[name]
	if !ok {
		return fmt.Errorf("count field %q not declared earlier", name)
	}
	if seq.fields[i].Kind != Uint {
		return fmt.Errorf("count field %q is not an integer", name)
	}
	return nil
}
