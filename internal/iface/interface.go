package iface

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"

	"fluentbuilder/internal/core"
)

// State mutability values as they appear in ABI JSON.
const (
	MutabilityView       = "view"
	MutabilityNonpayable = "nonpayable"
)

// Param is a named, typed method parameter or return value. Name may be
// empty.
type Param struct {
	Name string
	Type Type
}

// Selector is a 4-byte method identifier.
type Selector [4]byte

// Hex renders the selector as 0x-prefixed lowercase hex.
func (s Selector) Hex() string { return "0x" + hex.EncodeToString(s[:]) }

// ComputeSelector is keccak256(signature)[:4].
func ComputeSelector(signature string) Selector {
	var s Selector
	copy(s[:], crypto.Keccak256([]byte(signature))[:4])
	return s
}

// Method is one externally callable function of a contract.
type Method struct {
	Name            string
	Inputs          []Param
	Outputs         []Param
	StateMutability string

	// Signature is the canonical name(type1,type2,...) form.
	Signature string
	Selector  Selector

	Decl DeclKind
	File string
	Line int
}

// Router is one #[router] declaration and the methods it exposes.
type Router struct {
	File    string
	Line    int
	Mode    string
	Kind    DeclKind
	Trait   string
	Target  string
	Methods []Method
}

// Description is the interface of a whole contract: every router in file
// order, and the flattened method list in declaration order.
type Description struct {
	Routers []Router
	Methods []Method
}

// IsEmpty reports whether the contract declares no routed interface.
func (d *Description) IsEmpty() bool { return d == nil || len(d.Methods) == 0 }

// Selectors maps canonical signature to 0x selector.
func (d *Description) Selectors() map[string]string {
	out := make(map[string]string, len(d.Methods))
	for _, m := range d.Methods {
		out[m.Signature] = m.Selector.Hex()
	}
	return out
}

// Lookup returns the method with the given selector.
func (d *Description) Lookup(sel Selector) (Method, bool) {
	for _, m := range d.Methods {
		if m.Selector == sel {
			return m, true
		}
	}
	return Method{}, false
}

var selectorLiteral = regexp.MustCompile(`^0x[0-9a-fA-F]{8}$`)

// buildMethod maps a parsed fn to a Method.
func buildMethod(kind DeclKind, file string, raw rawMethod) (Method, error) {
	m := Method{
		Name:            raw.name,
		StateMutability: MutabilityNonpayable,
		Decl:            kind,
		File:            file,
		Line:            raw.line,
	}
	if raw.receiver == ReceiverRef {
		m.StateMutability = MutabilityView
	}

	for _, p := range raw.params {
		t, err := mapType(p.typ)
		if err != nil {
			return Method{}, err
		}
		m.Inputs = append(m.Inputs, Param{Name: p.name, Type: t})
	}

	if raw.ret != nil {
		outs := []*rustType{raw.ret}
		if raw.ret.kind == rustTuple {
			outs = raw.ret.elems
		}
		for _, o := range outs {
			t, err := mapType(o)
			if err != nil {
				return Method{}, err
			}
			m.Outputs = append(m.Outputs, Param{Type: t})
		}
	}

	types := make([]string, len(m.Inputs))
	for i, in := range m.Inputs {
		types[i] = in.Type.Canonical()
	}
	paramList := "(" + strings.Join(types, ",") + ")"
	m.Signature = m.Name + paramList

	switch id := strings.TrimSpace(raw.functionID); {
	case id == "":
		m.Selector = ComputeSelector(m.Signature)
	case selectorLiteral.MatchString(id):
		b, _ := hex.DecodeString(id[2:])
		copy(m.Selector[:], b)
	default:
		sig := strings.Join(strings.Fields(id), "")
		if _, err := abi.ParseSelector(sig); err != nil {
			return Method{}, core.Failf(core.StageInterface, core.ErrInterfaceExtraction,
				"%s:%d: function_id %q: %v", file, raw.line, id, err)
		}
		name, params, _ := strings.Cut(sig, "(")
		if "("+params != paramList {
			return Method{}, core.Failf(core.StageInterface, core.ErrInterfaceExtraction,
				"%s:%d: function_id %q does not match parameters %s", file, raw.line, id, paramList)
		}
		m.Name = name
		m.Signature = sig
		m.Selector = ComputeSelector(sig)
	}
	return m, nil
}

// assemble turns parsed routers (already in file then position order) into a
// Description, enforcing non-empty routers and contract-wide selector
// uniqueness.
func assemble(raws []rawRouter) (*Description, error) {
	d := &Description{}
	seen := make(map[Selector]Method)
	for _, rr := range raws {
		r := Router{File: rr.file, Line: rr.line, Mode: rr.mode, Kind: rr.kind, Trait: rr.trait, Target: rr.target}
		for _, raw := range rr.methods {
			m, err := buildMethod(rr.kind, rr.file, raw)
			if err != nil {
				return nil, err
			}
			if prev, ok := seen[m.Selector]; ok {
				return nil, core.Failf(core.StageInterface, core.ErrSelectorCollision,
					"%s and %s both map to %s", prev.Signature, m.Signature, m.Selector.Hex())
			}
			seen[m.Selector] = m
			r.Methods = append(r.Methods, m)
		}
		if len(r.Methods) == 0 {
			what := r.Target
			if r.Trait != "" {
				what = r.Trait + " for " + r.Target
			}
			return nil, core.Failf(core.StageInterface, core.ErrEmptyRouter,
				"%s:%d: router on %s exposes no methods", rr.file, rr.line, what)
		}
		d.Routers = append(d.Routers, r)
		d.Methods = append(d.Methods, r.Methods...)
	}
	return d, nil
}
