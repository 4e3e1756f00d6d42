package iface

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Entry is one function entry of an ABI JSON document.
type Entry struct {
	Type            string     `json:"type"`
	Name            string     `json:"name"`
	Inputs          []Argument `json:"inputs"`
	Outputs         []Argument `json:"outputs"`
	StateMutability string     `json:"stateMutability"`
}

// Argument is an ABI JSON parameter.
type Argument struct {
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	InternalType string     `json:"internalType"`
	Components   []Argument `json:"components,omitempty"`
}

func argument(name string, t Type) Argument {
	a := Argument{Name: name, Type: t.ABIType(), InternalType: t.ABIType()}
	if base := t.tupleBase(); base != nil {
		a.Components = make([]Argument, len(base.Components))
		for i, c := range base.Components {
			a.Components[i] = argument("field"+strconv.Itoa(i), c)
		}
	}
	return a
}

func arguments(params []Param) []Argument {
	out := make([]Argument, len(params))
	for i, p := range params {
		out[i] = argument(p.Name, p.Type)
	}
	return out
}

// ABI returns the function entries in declaration order.
func (d *Description) ABI() []Entry {
	if d == nil {
		return []Entry{}
	}
	out := make([]Entry, len(d.Methods))
	for i, m := range d.Methods {
		out[i] = Entry{
			Type:            "function",
			Name:            m.Name,
			Inputs:          arguments(m.Inputs),
			Outputs:         arguments(m.Outputs),
			StateMutability: m.StateMutability,
		}
	}
	return out
}

// ABIJSON renders the ABI as indented JSON and checks that go-ethereum parses
// it back with the same selectors.
func (d *Description) ABIJSON() ([]byte, error) {
	data, err := json.MarshalIndent(d.ABI(), "", "  ")
	if err != nil {
		return nil, err
	}
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("abi does not parse: %w", err)
	}
	if d != nil {
		for _, m := range d.Methods {
			// Literal function_id selectors are not derived from the signature.
			if ComputeSelector(m.Signature) != m.Selector {
				continue
			}
			got, err := parsed.MethodById(m.Selector[:])
			if err != nil || got.Sig != m.Signature {
				return nil, fmt.Errorf("abi selector for %s does not round-trip", m.Signature)
			}
		}
	}
	return append(data, '\n'), nil
}
