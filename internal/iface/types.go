package iface

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"fluentbuilder/internal/core"
)

// Type is a normalized ABI type.
type Type struct {
	// Kind is one of the Kind* constants.
	Kind string

	// Size is the bit width for integers, the byte width for fixed bytes
	// and the length for fixed arrays.
	Size int

	// Elem is the element type of slices and arrays.
	Elem *Type

	// Components are the members of a tuple.
	Components []Type
}

const (
	KindUint       = "uint"
	KindInt        = "int"
	KindBool       = "bool"
	KindAddress    = "address"
	KindString     = "string"
	KindBytes      = "bytes"
	KindFixedBytes = "fixedbytes"
	KindSlice      = "slice"
	KindArray      = "array"
	KindTuple      = "tuple"
)

// Canonical is the type as it appears in a canonical signature, with tuples
// spelled out: "uint256", "bytes32", "(uint256,bool)[]".
func (t Type) Canonical() string {
	switch t.Kind {
	case KindUint, KindInt:
		return t.Kind + strconv.Itoa(t.Size)
	case KindFixedBytes:
		return "bytes" + strconv.Itoa(t.Size)
	case KindSlice:
		return t.Elem.Canonical() + "[]"
	case KindArray:
		return t.Elem.Canonical() + "[" + strconv.Itoa(t.Size) + "]"
	case KindTuple:
		parts := make([]string, len(t.Components))
		for i, c := range t.Components {
			parts[i] = c.Canonical()
		}
		return "(" + strings.Join(parts, ",") + ")"
	default:
		return t.Kind
	}
}

// ABIType is the type as written in ABI JSON, where tuples are "tuple" and
// their members move to components.
func (t Type) ABIType() string {
	switch t.Kind {
	case KindTuple:
		return "tuple"
	case KindSlice:
		return t.Elem.ABIType() + "[]"
	case KindArray:
		return t.Elem.ABIType() + "[" + strconv.Itoa(t.Size) + "]"
	default:
		return t.Canonical()
	}
}

// IsDynamicReference reports whether a Solidity parameter of this type needs
// a data location.
func (t Type) IsDynamicReference() bool {
	switch t.Kind {
	case KindString, KindBytes, KindSlice, KindArray, KindTuple:
		return true
	}
	return false
}

// tupleBase returns the innermost tuple of a (possibly nested) array type.
func (t Type) tupleBase() *Type {
	for cur := &t; cur != nil; cur = cur.Elem {
		if cur.Kind == KindTuple {
			return cur
		}
		if cur.Kind != KindSlice && cur.Kind != KindArray {
			return nil
		}
	}
	return nil
}

// marshaling renders t in the form go-ethereum's ABI package consumes.
// Tuple members get positional names since Rust tuples have none.
func (t Type) marshaling(name string) abi.ArgumentMarshaling {
	am := abi.ArgumentMarshaling{Name: name, Type: t.ABIType(), InternalType: t.ABIType()}
	if base := t.tupleBase(); base != nil {
		am.Components = make([]abi.ArgumentMarshaling, len(base.Components))
		for i, c := range base.Components {
			am.Components[i] = c.marshaling("field" + strconv.Itoa(i))
		}
	}
	return am
}

// validate checks t against go-ethereum's ABI type grammar, which also bounds
// integer widths and fixed-bytes sizes.
func (t Type) validate() error {
	am := t.marshaling("")
	typ, err := abi.NewType(am.Type, "", am.Components)
	if err != nil {
		return err
	}
	if got := typ.String(); got != t.Canonical() {
		return fmt.Errorf("type %s normalizes to %s", t.Canonical(), got)
	}
	return nil
}

var (
	uintAliases = map[string]int{"u8": 8, "u16": 16, "u32": 32, "u64": 64, "u128": 128, "U256": 256, "usize": 32}
	intAliases  = map[string]int{"i8": 8, "i16": 16, "i32": 32, "i64": 64, "i128": 128, "I256": 256, "isize": 32}
)

// mapType converts a parsed Rust type into an ABI type.
func mapType(rt *rustType) (Type, error) {
	t, err := mapRust(rt)
	if err != nil {
		return Type{}, err
	}
	if err := t.validate(); err != nil {
		return Type{}, unsupported(rt, err.Error())
	}
	return t, nil
}

func mapRust(rt *rustType) (Type, error) {
	switch rt.kind {
	case rustRef:
		// &str, &[u8] and &T map like their owned forms.
		return mapRust(rt.elem)
	case rustSlice:
		if rt.elem.isPath("u8") {
			return Type{Kind: KindBytes}, nil
		}
		elem, err := mapRust(rt.elem)
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: KindSlice, Elem: &elem}, nil
	case rustArray:
		n, err := strconv.Atoi(rt.length)
		if err != nil || n <= 0 {
			return Type{}, unsupported(rt, "array length must be a positive literal")
		}
		if rt.elem.isPath("u8") && n <= 32 {
			return Type{Kind: KindFixedBytes, Size: n}, nil
		}
		elem, err := mapRust(rt.elem)
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: KindArray, Size: n, Elem: &elem}, nil
	case rustTuple:
		if len(rt.elems) == 0 {
			return Type{}, unsupported(rt, "unit type has no ABI encoding")
		}
		comps := make([]Type, len(rt.elems))
		for i, e := range rt.elems {
			c, err := mapRust(e)
			if err != nil {
				return Type{}, err
			}
			comps[i] = c
		}
		return Type{Kind: KindTuple, Components: comps}, nil
	case rustPath:
		return mapPath(rt)
	default:
		return Type{}, unsupported(rt, "")
	}
}

func mapPath(rt *rustType) (Type, error) {
	name := rt.name()
	if bits, ok := uintAliases[name]; ok && len(rt.args) == 0 {
		return Type{Kind: KindUint, Size: bits}, nil
	}
	if bits, ok := intAliases[name]; ok && len(rt.args) == 0 {
		return Type{Kind: KindInt, Size: bits}, nil
	}
	switch name {
	case "bool":
		return Type{Kind: KindBool}, nil
	case "Address":
		return Type{Kind: KindAddress}, nil
	case "String", "str":
		return Type{Kind: KindString}, nil
	case "Bytes":
		return Type{Kind: KindBytes}, nil
	case "B256":
		return Type{Kind: KindFixedBytes, Size: 32}, nil
	case "Vec":
		if len(rt.args) != 1 || rt.args[0].kind == rustConst {
			return Type{}, unsupported(rt, "Vec takes one type argument")
		}
		if rt.args[0].isPath("u8") {
			return Type{Kind: KindBytes}, nil
		}
		elem, err := mapRust(rt.args[0])
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: KindSlice, Elem: &elem}, nil
	case "FixedBytes":
		if len(rt.args) != 1 || rt.args[0].kind != rustConst {
			return Type{}, unsupported(rt, "FixedBytes takes one length argument")
		}
		n, err := strconv.Atoi(rt.args[0].length)
		if err != nil {
			return Type{}, unsupported(rt, "FixedBytes length must be a literal")
		}
		return Type{Kind: KindFixedBytes, Size: n}, nil
	}
	return Type{}, unsupported(rt, "")
}

func unsupported(rt *rustType, detail string) error {
	if detail != "" {
		return core.Failf(core.StageInterface, core.ErrUnsupportedType, "%s (%s)", rt.String(), detail)
	}
	return core.Failf(core.StageInterface, core.ErrUnsupportedType, "%s", rt.String())
}
