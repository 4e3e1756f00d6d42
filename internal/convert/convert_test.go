package convert

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"fluentbuilder/internal/core"
)

var (
	header      = []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}
	typeSec     = []byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00}
	funcSec     = []byte{0x03, 0x03, 0x02, 0x00, 0x00}
	exportSec   = []byte{0x07, 0x11, 0x02, 0x06, 'd', 'e', 'p', 'l', 'o', 'y', 0x00, 0x00, 0x04, 'm', 'a', 'i', 'n', 0x00, 0x01}
	codeSec     = []byte{0x0a, 0x07, 0x02, 0x02, 0x00, 0x0b, 0x02, 0x00, 0x0b}
	customNames = []byte{0x00, 0x06, 0x04, 'n', 'a', 'm', 'e', 0x01}
	customProd  = []byte{0x00, 0x09, 0x08, 'p', 'r', 'o', 'd', 'u', 'c', 'e', 'r'}
)

func wasm(parts ...[]byte) []byte {
	return bytes.Join(append([][]byte{header}, parts...), nil)
}

func TestNative_Envelope(t *testing.T) {
	in := wasm(typeSec, funcSec, exportSec, codeSec, customNames)

	out, err := Native{}.Convert(context.Background(), in, Config{})
	require.NoError(t, err)
	require.True(t, IsRwasm(out))
	require.Equal(t, []byte{0xEF, 0x52, 0x01, 0x00, 0x01}, out[:5], "magic, version, layout, entrypoint index of main")
	require.Equal(t, wasm(typeSec, funcSec, exportSec, codeSec), out[5:])

	again, err := Native{}.Convert(context.Background(), in, Config{})
	require.NoError(t, err)
	require.Equal(t, out, again)
}

// TestNative_CustomSectionsDoNotAffectOutput: debug names and producer
// sections vary between otherwise identical builds.
func TestNative_CustomSectionsDoNotAffectOutput(t *testing.T) {
	a, err := Native{}.Convert(context.Background(), wasm(typeSec, funcSec, exportSec, codeSec), Config{})
	require.NoError(t, err)
	b, err := Native{}.Convert(context.Background(), wasm(customProd, typeSec, funcSec, customNames, exportSec, codeSec, customNames), Config{})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestNative_EntrypointAndLayout(t *testing.T) {
	in := wasm(typeSec, funcSec, exportSec, codeSec)

	out, err := Native{}.Convert(context.Background(), in, Config{Entrypoint: "deploy", StackLayout: StackLayoutExtended})
	require.NoError(t, err)
	require.Equal(t, []byte{0xEF, 0x52, 0x01, 0x01, 0x00}, out[:5])

	_, err = Native{}.Convert(context.Background(), in, Config{Entrypoint: "missing"})
	require.ErrorIs(t, err, core.ErrConversionFailed)
	require.Contains(t, err.Error(), `"missing"`)

	_, err = Native{}.Convert(context.Background(), wasm(typeSec, funcSec, codeSec), Config{})
	require.ErrorIs(t, err, core.ErrConversionFailed)

	_, err = Native{}.Convert(context.Background(), in, Config{StackLayout: "sideways"})
	require.ErrorIs(t, err, core.ErrConversionFailed)
}

func TestNative_RejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":        nil,
		"bad magic":    append([]byte("\x00wsm\x01\x00\x00\x00"), typeSec...),
		"bad version":  append([]byte("\x00asm\x02\x00\x00\x00"), typeSec...),
		"overrun":      wasm([]byte{0x01, 0x40, 0x01}),
		"truncated":    wasm([]byte{0x01, 0x80}),
		"unknown id":   wasm([]byte{0x2a, 0x00}),
		"out of order": wasm(funcSec, typeSec),
		"repeated":     wasm(typeSec, typeSec),
		"bad export":   wasm(typeSec, funcSec, []byte{0x07, 0x03, 0x01, 0x09, 'm'}, codeSec),
		"non-func":     wasm([]byte{0x07, 0x08, 0x01, 0x04, 'm', 'a', 'i', 'n', 0x02, 0x00}),
	}
	for name, in := range cases {
		_, err := Native{}.Convert(context.Background(), in, Config{})
		require.ErrorIs(t, err, core.ErrConversionFailed, name)
		stage, _ := core.StageOf(err)
		require.Equal(t, core.StageConvert, stage, name)
	}
}

func TestULEB_RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 16384, 0xffffffff} {
		enc := appendULEB(nil, v)
		got, n, err := readULEB(enc)
		require.NoError(t, err)
		require.Equal(t, v, got)
		require.Equal(t, len(enc), n)
	}
	_, _, err := readULEB([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01})
	require.Error(t, err)
}

func TestParseStackLayout(t *testing.T) {
	l, err := ParseStackLayout("")
	require.NoError(t, err)
	require.Equal(t, StackLayoutDefault, l)
	l, err = ParseStackLayout(" Extended ")
	require.NoError(t, err)
	require.Equal(t, StackLayoutExtended, l)
	_, err = ParseStackLayout("huge")
	require.ErrorIs(t, err, core.ErrConfigInvalid)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "rwasm-convert")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755))
	return p
}

var scriptEnv = map[string]string{"PATH": "/usr/bin:/bin"}

func TestExternal_PipesThroughConverter(t *testing.T) {
	script := writeScript(t, "printf '%s|' \"$@\"\ncat\n")
	conv := NewExternal(script, scriptEnv, zerolog.Nop())

	out, err := conv.Convert(context.Background(), []byte("WASM"), Config{Entrypoint: "deploy"})
	require.NoError(t, err)
	require.Equal(t, "--entrypoint|deploy|--stack-layout|default|WASM", string(out))
}

func TestExternal_Failures(t *testing.T) {
	failing := NewExternal(writeScript(t, "echo 'invalid opcode 0xfe' >&2\nexit 3\n"), scriptEnv, zerolog.Nop())
	_, err := failing.Convert(context.Background(), []byte("WASM"), Config{})
	require.ErrorIs(t, err, core.ErrConversionFailed)
	var se *core.StageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "invalid opcode 0xfe", se.Diagnostics)

	silent := NewExternal(writeScript(t, "exit 0\n"), scriptEnv, zerolog.Nop())
	_, err = silent.Convert(context.Background(), []byte("WASM"), Config{})
	require.ErrorIs(t, err, core.ErrConversionFailed)

	missing := NewExternal(filepath.Join(t.TempDir(), "nope"), scriptEnv, zerolog.Nop())
	_, err = missing.Convert(context.Background(), []byte("WASM"), Config{})
	require.ErrorIs(t, err, core.ErrToolchainMissing)

	slow := NewExternal(writeScript(t, "sleep 30\n"), scriptEnv, zerolog.Nop())
	slow.Timeout = 200 * time.Millisecond
	_, err = slow.Convert(context.Background(), []byte("WASM"), Config{})
	require.ErrorIs(t, err, core.ErrConversionFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIdentity(t *testing.T) {
	id, err := Native{}.Identity(context.Background())
	require.NoError(t, err)
	require.True(t, IsNative(id))

	script := writeScript(t, "cat\n")
	ext := NewExternal(script, scriptEnv, zerolog.Nop())
	first, err := ext.Identity(context.Background())
	require.NoError(t, err)
	require.False(t, IsNative(first))
	require.Regexp(t, `^external/rwasm-convert@sha256:[0-9a-f]{64}$`, first)

	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat\nprintf x\n"), 0o755))
	second, err := ext.Identity(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first, second, "a changed converter binary changes the identity")

	_, err = NewExternal(filepath.Join(t.TempDir(), "nope"), scriptEnv, zerolog.Nop()).Identity(context.Background())
	require.ErrorIs(t, err, core.ErrToolchainMissing)
}
