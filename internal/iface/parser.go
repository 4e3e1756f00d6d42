package iface

import (
	"fmt"
	"strings"
)

// DeclKind tells how a routed method was declared.
type DeclKind int

const (
	DeclFreeFunction DeclKind = iota
	DeclTraitMethod
	DeclInherentMethod
)

func (k DeclKind) String() string {
	switch k {
	case DeclFreeFunction:
		return "function"
	case DeclTraitMethod:
		return "trait method"
	case DeclInherentMethod:
		return "inherent method"
	default:
		return "unknown"
	}
}

// Receiver is the self parameter shape of a method.
type Receiver int

const (
	ReceiverNone Receiver = iota
	ReceiverRef
	ReceiverMut
	ReceiverValue
)

type rustKind int

const (
	rustPath rustKind = iota
	rustRef
	rustSlice
	rustArray
	rustTuple
	rustConst
	rustOther
)

// rustType is the syntactic shape of a Rust type. Nothing is resolved.
type rustType struct {
	kind     rustKind
	segments []string    // rustPath
	args     []*rustType // rustPath generic arguments
	elem     *rustType   // rustRef, rustSlice, rustArray
	length   string      // rustArray, rustConst
	elems    []*rustType // rustTuple
	text     string
}

func (rt *rustType) name() string {
	if rt.kind != rustPath || len(rt.segments) == 0 {
		return ""
	}
	return rt.segments[len(rt.segments)-1]
}

func (rt *rustType) isPath(name string) bool {
	return rt != nil && rt.kind == rustPath && len(rt.args) == 0 && rt.name() == name
}

func (rt *rustType) String() string { return rt.text }

type rawParam struct {
	name string
	typ  *rustType
}

// rawMethod is a routed fn before type mapping.
type rawMethod struct {
	name       string
	functionID string
	receiver   Receiver
	params     []rawParam
	ret        *rustType
	line       int
}

// rawRouter is one #[router] item as found in a file.
type rawRouter struct {
	file    string
	line    int
	mode    string
	kind    DeclKind
	trait   string
	target  string
	methods []rawMethod
}

type attribute struct {
	path string
	args []token
	line int
}

func (a attribute) isRouter() bool {
	return a.path == "router" || strings.HasSuffix(a.path, "::router")
}

type parser struct {
	file string
	toks []token
	pos  int
}

func (p *parser) errorf(format string, args ...any) error {
	line := 0
	if p.pos < len(p.toks) {
		line = p.toks[p.pos].line
	} else if len(p.toks) > 0 {
		line = p.toks[len(p.toks)-1].line
	}
	return fmt.Errorf("%s:%d: %s", p.file, line, fmt.Sprintf(format, args...))
}

func (p *parser) peek(off int) token {
	if p.pos+off < len(p.toks) {
		return p.toks[p.pos+off]
	}
	return token{kind: tokPunct}
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) punct(text string) bool { return p.peek(0).is(tokPunct, text) }

func (p *parser) ident(text string) bool { return p.peek(0).is(tokIdent, text) }

func (p *parser) expect(text string) error {
	if !p.punct(text) {
		return p.errorf("expected %q, found %q", text, p.peek(0).text)
	}
	p.pos++
	return nil
}

// parseRouters lexes one file and returns its #[router] items in source
// order.
func parseRouters(file, src string) ([]rawRouter, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	if err := checkBalanced(file, toks); err != nil {
		return nil, err
	}

	p := &parser{file: file, toks: toks}
	var routers []rawRouter
	for !p.done() {
		if !p.punct("#") {
			p.pos++
			continue
		}
		if p.peek(1).is(tokPunct, "!") {
			// inner attribute
			p.pos += 2
			if err := p.skipGroup(); err != nil {
				return nil, err
			}
			continue
		}
		attrs, err := p.parseAttributes()
		if err != nil {
			return nil, err
		}
		router, ok := findRouter(attrs)
		if !ok {
			continue
		}
		r, err := p.parseRouted(router)
		if err != nil {
			return nil, err
		}
		routers = append(routers, r)
	}
	return routers, nil
}

func findRouter(attrs []attribute) (attribute, bool) {
	for _, a := range attrs {
		if a.isRouter() {
			return a, true
		}
	}
	return attribute{}, false
}

// checkBalanced rejects files whose delimiters do not pair up.
func checkBalanced(file string, toks []token) error {
	pairs := map[string]string{")": "(", "]": "[", "}": "{"}
	var stack []token
	for _, t := range toks {
		if t.kind != tokPunct {
			continue
		}
		switch t.text {
		case "(", "[", "{":
			stack = append(stack, t)
		case ")", "]", "}":
			if len(stack) == 0 || stack[len(stack)-1].text != pairs[t.text] {
				return fmt.Errorf("%s:%d: unbalanced %q", file, t.line, t.text)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		open := stack[len(stack)-1]
		return fmt.Errorf("%s:%d: unclosed %q", file, open.line, open.text)
	}
	return nil
}

// parseAttributes consumes a run of outer attributes starting at '#'.
func (p *parser) parseAttributes() ([]attribute, error) {
	var attrs []attribute
	for p.punct("#") && p.peek(1).is(tokPunct, "[") {
		line := p.peek(0).line
		bracket := p.pos + 1
		p.pos += 2
		var path []string
		for p.peek(0).kind == tokIdent || p.punct(":") {
			if p.punct(":") {
				p.pos++
				continue
			}
			path = append(path, p.peek(0).text)
			p.pos++
		}
		a := attribute{path: strings.Join(path, "::"), line: line}
		switch {
		case p.punct("("):
			start := p.pos + 1
			if err := p.skipGroup(); err != nil {
				return nil, err
			}
			a.args = p.toks[start : p.pos-1]
			if err := p.expect("]"); err != nil {
				return nil, err
			}
		case p.punct("]"):
			p.pos++
		default:
			if a.isRouter() {
				return nil, p.errorf("malformed #[router] attribute; expected #[router] or #[router(...)]")
			}
			// #[name = value]
			p.pos = bracket
			if err := p.skipGroup(); err != nil {
				return nil, err
			}
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}

// skipGroup consumes a balanced (...), [...] or {...} starting at the
// opening delimiter.
func (p *parser) skipGroup() error {
	open := p.peek(0).text
	var close string
	switch open {
	case "(":
		close = ")"
	case "[":
		close = "]"
	case "{":
		close = "}"
	default:
		return p.errorf("expected delimiter, found %q", open)
	}
	depth := 0
	for !p.done() {
		t := p.peek(0)
		p.pos++
		if t.kind != tokPunct {
			continue
		}
		switch t.text {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return nil
			}
		}
	}
	return p.errorf("unclosed %q", open)
}

// skipAngles consumes a generic parameter list starting at '<'.
func (p *parser) skipAngles() error {
	depth := 0
	for !p.done() {
		t := p.peek(0)
		switch {
		case t.is(tokPunct, "<"):
			depth++
		case t.is(tokPunct, ">") && !p.toks[p.pos-1].is(tokPunct, "-"):
			depth--
			if depth == 0 {
				p.pos++
				return nil
			}
		case t.is(tokPunct, "(") || t.is(tokPunct, "["):
			if err := p.skipGroup(); err != nil {
				return err
			}
			continue
		}
		p.pos++
	}
	return p.errorf("unclosed generic parameter list")
}

func (p *parser) skipVisibility() bool {
	if !p.ident("pub") {
		return false
	}
	p.pos++
	if p.punct("(") {
		_ = p.skipGroup()
	}
	return true
}

func (p *parser) skipQualifiers() {
	for {
		switch {
		case p.ident("const") && (p.peek(1).is(tokIdent, "fn") || p.peek(1).is(tokIdent, "unsafe") || p.peek(1).is(tokIdent, "async")):
			p.pos++
		case p.ident("async"), p.ident("unsafe"), p.ident("default"):
			p.pos++
		case p.ident("extern"):
			p.pos++
			if p.peek(0).kind == tokLiteral {
				p.pos++
			}
		default:
			return
		}
	}
}

// parseRouted parses the item following a #[router] attribute.
func (p *parser) parseRouted(attr attribute) (rawRouter, error) {
	mode, err := routerMode(attr)
	if err != nil {
		return rawRouter{}, fmt.Errorf("%s:%d: %w", p.file, attr.line, err)
	}
	r := rawRouter{file: p.file, line: attr.line, mode: mode}

	// Further attributes may sit between #[router] and the item.
	for p.punct("#") && p.peek(1).is(tokPunct, "[") {
		if _, err := p.parseAttributes(); err != nil {
			return rawRouter{}, err
		}
	}
	pub := p.skipVisibility()
	p.skipQualifiers()

	switch {
	case p.ident("impl"):
		return p.parseImpl(r)
	case p.ident("fn"):
		m, err := p.parseFn(nil)
		if err != nil {
			return rawRouter{}, err
		}
		if !pub {
			return rawRouter{}, p.errorf("#[router] function %s must be pub", m.name)
		}
		r.kind = DeclFreeFunction
		r.methods = []rawMethod{m}
		return r, nil
	default:
		return rawRouter{}, p.errorf("#[router] must annotate an impl block or a function, found %q", p.peek(0).text)
	}
}

func routerMode(attr attribute) (string, error) {
	mode := "solidity"
	args := attr.args
	for i := 0; i < len(args); i++ {
		if !args[i].is(tokIdent, "mode") {
			continue
		}
		if i+2 >= len(args) || !args[i+1].is(tokPunct, "=") || args[i+2].kind != tokLiteral {
			return "", fmt.Errorf("malformed router mode")
		}
		mode = strings.Trim(args[i+2].text, `"`)
		i += 2
	}
	switch mode {
	case "solidity", "fluent":
		return mode, nil
	default:
		return "", fmt.Errorf("unknown router mode %q", mode)
	}
}

func (p *parser) parseImpl(r rawRouter) (rawRouter, error) {
	p.pos++ // impl
	if p.punct("<") {
		if err := p.skipAngles(); err != nil {
			return rawRouter{}, err
		}
	}

	first, err := p.collectType()
	if err != nil {
		return rawRouter{}, err
	}
	if p.ident("for") {
		p.pos++
		target, err := p.collectType()
		if err != nil {
			return rawRouter{}, err
		}
		r.kind = DeclTraitMethod
		r.trait = first
		r.target = target
	} else {
		r.kind = DeclInherentMethod
		r.target = first
	}
	if p.ident("where") {
		for !p.done() && !p.punct("{") {
			if p.punct("<") {
				if err := p.skipAngles(); err != nil {
					return rawRouter{}, err
				}
				continue
			}
			p.pos++
		}
	}
	if !p.punct("{") {
		return rawRouter{}, p.errorf("expected impl body")
	}

	bodyStart := p.pos
	if err := p.skipGroup(); err != nil {
		return rawRouter{}, err
	}
	end := p.pos
	p.pos = bodyStart + 1

	for p.pos < end-1 {
		var attrs []attribute
		if p.punct("#") {
			if attrs, err = p.parseAttributes(); err != nil {
				return rawRouter{}, err
			}
		}
		pub := p.skipVisibility()
		p.skipQualifiers()

		switch {
		case p.ident("fn"):
			m, err := p.parseFn(attrs)
			if err != nil {
				return rawRouter{}, err
			}
			if m.receiver == ReceiverNone {
				continue
			}
			if r.kind == DeclInherentMethod && !pub {
				continue
			}
			r.methods = append(r.methods, m)
		case p.ident("type") || p.ident("const"):
			p.skipItem()
		case p.peek(0).kind == tokIdent && p.peek(1).is(tokPunct, "!"):
			// macro invocation
			p.pos += 2
			if err := p.skipGroup(); err != nil {
				return rawRouter{}, err
			}
			if p.punct(";") {
				p.pos++
			}
		default:
			p.pos++
		}
	}
	p.pos = end
	return r, nil
}

// skipItem skips to the ';' that ends an associated type or const.
func (p *parser) skipItem() {
	for !p.done() && !p.punct(";") {
		if p.punct("(") || p.punct("[") || p.punct("{") {
			if p.skipGroup() != nil {
				return
			}
			continue
		}
		p.pos++
	}
	p.pos++
}

// collectType returns the source text of an impl header type, stopping
// at 'for', 'where' or the body.
func (p *parser) collectType() (string, error) {
	start := p.pos
	for !p.done() {
		switch {
		case p.punct("<"):
			if err := p.skipAngles(); err != nil {
				return "", err
			}
			continue
		case p.punct("{"), p.ident("for"), p.ident("where"):
			if p.pos == start {
				return "", p.errorf("expected type")
			}
			return renderTokens(p.toks[start:p.pos]), nil
		}
		p.pos++
	}
	return "", p.errorf("unexpected end of file in impl header")
}

// parseFn parses a fn signature at the 'fn' keyword and skips its body.
func (p *parser) parseFn(attrs []attribute) (rawMethod, error) {
	p.pos++ // fn
	nameTok := p.peek(0)
	if nameTok.kind != tokIdent {
		return rawMethod{}, p.errorf("expected function name")
	}
	p.pos++
	m := rawMethod{name: nameTok.text, line: nameTok.line}

	for _, a := range attrs {
		if a.path == "function_id" {
			if len(a.args) == 0 || a.args[0].kind != tokLiteral {
				return rawMethod{}, fmt.Errorf("%s:%d: function_id expects a string literal", p.file, a.line)
			}
			m.functionID = strings.Trim(a.args[0].text, `"`)
		}
	}

	if p.punct("<") {
		if err := p.skipAngles(); err != nil {
			return rawMethod{}, err
		}
	}
	if !p.punct("(") {
		return rawMethod{}, p.errorf("expected parameter list for %s", m.name)
	}
	open := p.pos
	if err := p.skipGroup(); err != nil {
		return rawMethod{}, err
	}
	for i, part := range splitTopLevel(p.toks[open+1 : p.pos-1]) {
		if i == 0 {
			if recv, ok := receiverOf(part); ok {
				m.receiver = recv
				continue
			}
		}
		param, err := p.parseParam(part)
		if err != nil {
			return rawMethod{}, fmt.Errorf("%s: %w", m.name, err)
		}
		m.params = append(m.params, param)
	}

	if p.punct("-") && p.peek(1).is(tokPunct, ">") {
		p.pos += 2
		start := p.pos
		for !p.done() && !p.punct("{") && !p.punct(";") && !p.ident("where") {
			if p.punct("<") {
				if err := p.skipAngles(); err != nil {
					return rawMethod{}, err
				}
				continue
			}
			if p.punct("(") || p.punct("[") {
				if err := p.skipGroup(); err != nil {
					return rawMethod{}, err
				}
				continue
			}
			p.pos++
		}
		ret, err := parseType(p.toks[start:p.pos])
		if err != nil {
			return rawMethod{}, p.errorf("%s: return type: %v", m.name, err)
		}
		m.ret = ret
	}
	for !p.done() && !p.punct("{") && !p.punct(";") {
		p.pos++
	}
	if p.punct(";") {
		p.pos++
		return m, nil
	}
	if err := p.skipGroup(); err != nil {
		return rawMethod{}, err
	}
	return m, nil
}

// splitTopLevel splits a token run on commas outside any nesting.
func splitTopLevel(toks []token) [][]token {
	var parts [][]token
	depth := 0
	start := 0
	for i, t := range toks {
		if t.kind != tokPunct {
			continue
		}
		switch t.text {
		case "(", "[", "{", "<":
			depth++
		case ")", "]", "}":
			depth--
		case ">":
			if i == 0 || !toks[i-1].is(tokPunct, "-") {
				depth--
			}
		case ",":
			if depth == 0 {
				parts = append(parts, toks[start:i])
				start = i + 1
			}
		}
	}
	if start < len(toks) {
		parts = append(parts, toks[start:])
	}
	return parts
}

func receiverOf(part []token) (Receiver, bool) {
	var texts []string
	for _, t := range part {
		if t.kind == tokLifetime {
			continue
		}
		texts = append(texts, t.text)
	}
	switch strings.Join(texts, " ") {
	case "& self":
		return ReceiverRef, true
	case "& mut self":
		return ReceiverMut, true
	case "self", "mut self":
		return ReceiverValue, true
	}
	if len(texts) >= 2 && (texts[0] == "self" || texts[0] == "mut" && texts[1] == "self") {
		// self: Type
		return ReceiverValue, true
	}
	return ReceiverNone, false
}

func (p *parser) parseParam(part []token) (rawParam, error) {
	colon := -1
	for i := 0; i < len(part); i++ {
		if part[i].is(tokPunct, ":") {
			if i+1 < len(part) && part[i+1].is(tokPunct, ":") {
				i++
				continue
			}
			colon = i
			break
		}
	}
	if colon <= 0 {
		return rawParam{}, fmt.Errorf("malformed parameter %q", renderTokens(part))
	}
	name := ""
	for _, t := range part[:colon] {
		if t.kind == tokIdent && t.text != "mut" && t.text != "ref" {
			name = t.text
		}
	}
	if name == "_" {
		name = ""
	}
	typ, err := parseType(part[colon+1:])
	if err != nil {
		return rawParam{}, fmt.Errorf("parameter %s: %v", name, err)
	}
	return rawParam{name: name, typ: typ}, nil
}

// parseType parses a complete Rust type from a token run.
func parseType(toks []token) (*rustType, error) {
	tp := &typeParser{toks: toks}
	rt, err := tp.parse()
	if err != nil {
		return nil, err
	}
	if tp.pos != len(toks) {
		return nil, fmt.Errorf("unexpected %q in type %s", toks[tp.pos].text, renderTokens(toks))
	}
	return rt, nil
}

type typeParser struct {
	toks []token
	pos  int
}

func (tp *typeParser) peek() token {
	if tp.pos < len(tp.toks) {
		return tp.toks[tp.pos]
	}
	return token{kind: tokPunct}
}

func (tp *typeParser) punct(s string) bool { return tp.peek().is(tokPunct, s) }

func (tp *typeParser) parse() (*rustType, error) {
	start := tp.pos
	rt, err := tp.parseInner()
	if err != nil {
		return nil, err
	}
	rt.text = renderTokens(tp.toks[start:tp.pos])
	return rt, nil
}

func (tp *typeParser) parseInner() (*rustType, error) {
	t := tp.peek()
	switch {
	case tp.pos >= len(tp.toks):
		return nil, fmt.Errorf("missing type")
	case t.is(tokPunct, "&"):
		tp.pos++
		if tp.peek().kind == tokLifetime {
			tp.pos++
		}
		if tp.peek().is(tokIdent, "mut") {
			tp.pos++
		}
		elem, err := tp.parse()
		if err != nil {
			return nil, err
		}
		return &rustType{kind: rustRef, elem: elem}, nil
	case t.is(tokPunct, "["):
		tp.pos++
		elem, err := tp.parse()
		if err != nil {
			return nil, err
		}
		if tp.punct("]") {
			tp.pos++
			return &rustType{kind: rustSlice, elem: elem}, nil
		}
		if !tp.punct(";") {
			return nil, fmt.Errorf("expected ';' or ']' in array type")
		}
		tp.pos++
		start := tp.pos
		for tp.pos < len(tp.toks) && !tp.punct("]") {
			tp.pos++
		}
		if !tp.punct("]") {
			return nil, fmt.Errorf("unclosed array type")
		}
		length := renderTokens(tp.toks[start:tp.pos])
		tp.pos++
		return &rustType{kind: rustArray, elem: elem, length: length}, nil
	case t.is(tokPunct, "("):
		tp.pos++
		var elems []*rustType
		trailingComma := false
		for !tp.punct(")") {
			if tp.pos >= len(tp.toks) {
				return nil, fmt.Errorf("unclosed tuple type")
			}
			e, err := tp.parse()
			if err != nil {
				return nil, err
			}
			elems = append(elems, e)
			trailingComma = false
			if tp.punct(",") {
				tp.pos++
				trailingComma = true
			}
		}
		tp.pos++
		if len(elems) == 1 && !trailingComma {
			// parenthesized type
			return elems[0], nil
		}
		return &rustType{kind: rustTuple, elems: elems}, nil
	case t.kind == tokLiteral:
		tp.pos++
		return &rustType{kind: rustConst, length: t.text}, nil
	case t.is(tokPunct, "{"):
		// const generic block: { N }
		tp.pos++
		start := tp.pos
		for tp.pos < len(tp.toks) && !tp.punct("}") {
			tp.pos++
		}
		length := renderTokens(tp.toks[start:tp.pos])
		tp.pos++
		return &rustType{kind: rustConst, length: length}, nil
	case t.is(tokIdent, "dyn") || t.is(tokIdent, "impl"):
		start := tp.pos
		for tp.pos < len(tp.toks) && !tp.punct(",") && !tp.punct(">") && !tp.punct(")") {
			tp.pos++
		}
		return &rustType{kind: rustOther, text: renderTokens(tp.toks[start:tp.pos])}, nil
	case t.kind == tokIdent || t.is(tokPunct, ":"):
		return tp.parsePath()
	default:
		return nil, fmt.Errorf("unexpected %q in type", t.text)
	}
}

func (tp *typeParser) parsePath() (*rustType, error) {
	rt := &rustType{kind: rustPath}
	for {
		if tp.punct(":") {
			tp.pos++
			if !tp.punct(":") {
				return nil, fmt.Errorf("expected '::' in path")
			}
			tp.pos++
			continue
		}
		t := tp.peek()
		if t.kind != tokIdent {
			return nil, fmt.Errorf("expected identifier in path, found %q", t.text)
		}
		rt.segments = append(rt.segments, t.text)
		tp.pos++
		if tp.punct("<") {
			tp.pos++
			rt.args = nil
			for !tp.punct(">") {
				if tp.pos >= len(tp.toks) {
					return nil, fmt.Errorf("unclosed generic arguments")
				}
				if tp.peek().kind == tokLifetime {
					tp.pos++
				} else {
					arg, err := tp.parse()
					if err != nil {
						return nil, err
					}
					rt.args = append(rt.args, arg)
				}
				if tp.punct(",") {
					tp.pos++
				}
			}
			tp.pos++
		}
		if !(tp.punct(":") && tp.pos+1 < len(tp.toks) && tp.toks[tp.pos+1].is(tokPunct, ":")) {
			return rt, nil
		}
	}
}

// renderTokens rebuilds compact source text for messages.
func renderTokens(toks []token) string {
	var b strings.Builder
	for i, t := range toks {
		if i > 0 {
			prev := toks[i-1]
			if prev.kind == tokIdent && t.kind == tokIdent || prev.kind == tokLifetime || prev.is(tokPunct, ",") {
				b.WriteByte(' ')
			}
		}
		b.WriteString(t.text)
	}
	return b.String()
}
