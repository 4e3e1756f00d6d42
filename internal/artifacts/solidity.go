package artifacts

import (
	"strings"
	"unicode"

	"fluentbuilder/internal/iface"
)

// SolidityInterface renders a Solidity interface for d, one function per
// line in declaration order.
func SolidityInterface(contract string, d *iface.Description) string {
	var b strings.Builder
	b.WriteString("// SPDX-License-Identifier: MIT\n")
	b.WriteString("// Auto-generated from Rust source\n")
	b.WriteString("pragma solidity ^0.8.0;\n\n")
	b.WriteString("interface I" + PascalCase(contract) + " {\n")
	if d != nil {
		for _, m := range d.Methods {
			b.WriteString("    ")
			b.WriteString(solidityFunction(m))
			b.WriteByte('\n')
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func solidityFunction(m iface.Method) string {
	ins := make([]string, len(m.Inputs))
	for i, p := range m.Inputs {
		ins[i] = solidityParam(p, "calldata")
	}
	s := "function " + m.Name + "(" + strings.Join(ins, ", ") + ") external"
	switch m.StateMutability {
	case "pure", "view", "payable":
		s += " " + m.StateMutability
	}
	if len(m.Outputs) > 0 {
		outs := make([]string, len(m.Outputs))
		for i, p := range m.Outputs {
			outs[i] = solidityParam(p, "memory")
		}
		s += " returns (" + strings.Join(outs, ", ") + ")"
	}
	return s + ";"
}

// solidityParam adds a data location to reference types: memory for arrays
// and tuples, bytesLocation for string and bytes.
func solidityParam(p iface.Param, bytesLocation string) string {
	s := p.Type.Canonical()
	switch p.Type.Kind {
	case iface.KindString, iface.KindBytes:
		s += " " + bytesLocation
	case iface.KindSlice, iface.KindArray, iface.KindTuple:
		s += " memory"
	}
	if p.Name != "" {
		s += " " + p.Name
	}
	return s
}

// PascalCase converts a crate or contract name to an identifier:
// "power-token" → "PowerToken", "POWER" → "Power", "myERC20Token" →
// "MyErc20Token".
func PascalCase(name string) string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	runes := []rune(name)
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if i > 0 && unicode.IsUpper(r) && len(cur) > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || unicode.IsUpper(prev) && nextLower {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()

	var b strings.Builder
	for _, w := range words {
		rs := []rune(strings.ToLower(w))
		rs[0] = unicode.ToUpper(rs[0])
		b.WriteString(string(rs))
	}
	return b.String()
}
