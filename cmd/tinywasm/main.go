// Command tinywasm decodes, instantiates and invokes a WebAssembly 1.0
// binary from the command line.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/danielstuart14/tinywasm/api"
	"github.com/danielstuart14/tinywasm/internal/wasm"
	"github.com/danielstuart14/tinywasm/internal/wasmruntime"
)

// version is reported by the "version" subcommand.
const version = "0.1.0"

func main() {
	doMain(os.Stdout, os.Stderr, os.Exit)
}

// doMain is separated out for the purpose of unit testing.
func doMain(stdOut, stdErr io.Writer, exit func(code int)) {
	flag.CommandLine.SetOutput(stdErr)

	var help bool
	flag.BoolVar(&help, "h", false, "print usage")
	flag.Parse()

	if help || flag.NArg() == 0 {
		printUsage(stdErr)
		exit(0)
		return
	}

	switch subCmd := flag.Arg(0); subCmd {
	case "compile":
		doCompile(flag.Args()[1:], stdErr, exit)
	case "run":
		doRun(flag.Args()[1:], stdOut, stdErr, exit)
	case "version":
		fmt.Fprintln(stdOut, version)
		exit(0)
	default:
		fmt.Fprintln(stdErr, "invalid command")
		printUsage(stdErr)
		exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "tinywasm <command> [arguments]")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "\tcompile\tdecode and validate a wasm binary")
	fmt.Fprintln(w, "\trun\tinstantiate a wasm binary and invoke an exported function")
	fmt.Fprintln(w, "\tversion\tprint the tinywasm version")
}

// exit codes: 0 success, 1 decode/validate failure, 2 instantiation
// failure, 3 trap during invocation.

func doCompile(args []string, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("compile", flag.ExitOnError)
	flags.SetOutput(stdErr)
	_ = flags.Parse(args)

	if flags.NArg() < 1 {
		fmt.Fprintln(stdErr, "missing path to wasm file")
		exit(1)
		return
	}

	bytes, err := os.ReadFile(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(stdErr, "error reading wasm binary: %v\n", err)
		exit(1)
		return
	}

	if _, err := wasm.DecodeModule(bytes); err != nil {
		fmt.Fprintf(stdErr, "error decoding wasm binary: %v\n", err)
		exit(1)
		return
	}
	exit(0)
}

func doRun(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	flags.SetOutput(stdErr)

	var verbose bool
	flags.BoolVar(&verbose, "v", false, "enable debug logging")
	_ = flags.Parse(args)

	if verbose {
		l, _ := zap.NewDevelopment()
		wasmruntime.SetLogger(l)
	}

	if flags.NArg() < 2 {
		fmt.Fprintln(stdErr, "usage: tinywasm run [-v] <path.wasm> <function> [args...]")
		exit(1)
		return
	}
	wasmPath := flags.Arg(0)
	funcName := flags.Arg(1)
	rawArgs := flags.Args()[2:]

	bytes, err := os.ReadFile(wasmPath)
	if err != nil {
		fmt.Fprintf(stdErr, "error reading wasm binary: %v\n", err)
		exit(1)
		return
	}

	m, err := wasm.DecodeModule(bytes)
	if err != nil {
		fmt.Fprintf(stdErr, "error decoding wasm binary: %v\n", err)
		exit(1)
		return
	}

	store := wasmruntime.NewStore()
	inst, err := store.Instantiate("main", m)
	if err != nil {
		fmt.Fprintf(stdErr, "error instantiating wasm module: %v\n", err)
		exit(2)
		return
	}

	exp, ok := inst.Export(funcName)
	if !ok || exp.Kind != wasm.ExternKindFunc {
		fmt.Fprintf(stdErr, "no exported function %q\n", funcName)
		exit(2)
		return
	}
	fn := exp.Func

	callArgs, err := encodeArgs(fn.Type.Params, rawArgs)
	if err != nil {
		fmt.Fprintf(stdErr, "error parsing arguments: %v\n", err)
		exit(2)
		return
	}

	results, err := wasmruntime.Call(fn, callArgs)
	if err != nil {
		if trap, ok := err.(*wasmruntime.Trap); ok {
			fmt.Fprintf(stdErr, "wasm trap: %v\n", trap)
			exit(3)
			return
		}
		fmt.Fprintf(stdErr, "error invoking function: %v\n", err)
		exit(2)
		return
	}

	fmt.Fprintln(stdOut, formatResults(fn.Type.Results, results))
	exit(0)
}

func encodeArgs(params []wasm.ValueType, raw []string) ([]uint64, error) {
	if len(raw) != len(params) {
		return nil, fmt.Errorf("function takes %d argument(s), got %d", len(params), len(raw))
	}
	out := make([]uint64, len(params))
	for i, p := range params {
		switch p {
		case wasm.ValueTypeI32:
			v, err := strconv.ParseInt(raw[i], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out[i] = api.EncodeI32(int32(v))
		case wasm.ValueTypeI64:
			v, err := strconv.ParseInt(raw[i], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out[i] = api.EncodeI64(v)
		case wasm.ValueTypeF32:
			v, err := strconv.ParseFloat(raw[i], 32)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out[i] = api.EncodeF32(float32(v))
		case wasm.ValueTypeF64:
			v, err := strconv.ParseFloat(raw[i], 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out[i] = api.EncodeF64(v)
		default:
			return nil, fmt.Errorf("argument %d: unsupported reference-typed parameter", i)
		}
	}
	return out, nil
}

func formatResults(results []wasm.ValueType, values []uint64) string {
	parts := make([]string, len(values))
	for i, rt := range results {
		switch rt {
		case wasm.ValueTypeI32:
			parts[i] = strconv.FormatInt(int64(int32(values[i])), 10)
		case wasm.ValueTypeI64:
			parts[i] = strconv.FormatInt(int64(values[i]), 10)
		case wasm.ValueTypeF32:
			parts[i] = strconv.FormatFloat(float64(api.DecodeF32(values[i])), 'g', -1, 32)
		case wasm.ValueTypeF64:
			parts[i] = strconv.FormatFloat(api.DecodeF64(values[i]), 'g', -1, 64)
		default:
			parts[i] = fmt.Sprintf("%#x", values[i])
		}
	}
	return strings.Join(parts, " ")
}
