package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addWasm encodes (func (export "add") (param i32 i32) (result i32) ...).
var addWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

// divWasm encodes (func (export "div") (param i32 i32) (result i32) i32.div_s).
var divWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x64, 0x69, 0x76, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6d, 0x0b,
}

func writeWasm(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "m.wasm")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

// runMain invokes doMain with fresh flag state, returning stdout, stderr and
// the first exit code reported.
func runMain(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = append([]string{"tinywasm"}, args...)
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	var stdOut, stdErr bytes.Buffer
	code := -1
	doMain(&stdOut, &stdErr, func(c int) {
		if code == -1 {
			code = c
		}
	})
	return stdOut.String(), stdErr.String(), code
}

func TestMain_version(t *testing.T) {
	stdOut, _, code := runMain(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, version+"\n", stdOut)
}

func TestMain_noArgsPrintsUsage(t *testing.T) {
	_, stdErr, code := runMain(t)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdErr, "tinywasm <command>")
}

func TestMain_invalidCommand(t *testing.T) {
	_, stdErr, code := runMain(t, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdErr, "invalid command")
}

func TestMain_compile(t *testing.T) {
	t.Run("valid module", func(t *testing.T) {
		_, _, code := runMain(t, "compile", writeWasm(t, addWasm))
		assert.Equal(t, 0, code)
	})
	t.Run("malformed module", func(t *testing.T) {
		_, stdErr, code := runMain(t, "compile", writeWasm(t, []byte("not wasm")))
		assert.Equal(t, 1, code)
		assert.Contains(t, stdErr, "error decoding wasm binary")
	})
	t.Run("missing file", func(t *testing.T) {
		_, _, code := runMain(t, "compile", filepath.Join(t.TempDir(), "nope.wasm"))
		assert.Equal(t, 1, code)
	})
}

func TestMain_run(t *testing.T) {
	addPath := writeWasm(t, addWasm)
	divPath := writeWasm(t, divWasm)

	t.Run("invoke", func(t *testing.T) {
		stdOut, _, code := runMain(t, "run", addPath, "add", "2", "3")
		assert.Equal(t, 0, code)
		assert.Equal(t, "5\n", stdOut)
	})

	t.Run("trap exits 3", func(t *testing.T) {
		_, stdErr, code := runMain(t, "run", divPath, "div", "10", "0")
		assert.Equal(t, 3, code)
		assert.Contains(t, stdErr, "divide by zero")
	})

	t.Run("unknown function exits 2", func(t *testing.T) {
		_, stdErr, code := runMain(t, "run", addPath, "nope")
		assert.Equal(t, 2, code)
		assert.Contains(t, stdErr, "no exported function")
	})

	t.Run("wrong arity exits 2", func(t *testing.T) {
		_, stdErr, code := runMain(t, "run", addPath, "add", "1")
		assert.Equal(t, 2, code)
		assert.Contains(t, stdErr, "error parsing arguments")
	})

	t.Run("negative arguments", func(t *testing.T) {
		stdOut, _, code := runMain(t, "run", addPath, "add", "-7", "2")
		assert.Equal(t, 0, code)
		assert.Equal(t, "-5\n", stdOut)
	})

	t.Run("missing operands exits 1", func(t *testing.T) {
		_, _, code := runMain(t, "run", addPath)
		assert.Equal(t, 1, code)
	})
}
