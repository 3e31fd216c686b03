// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

// Package args inspects and rewrites compiler argument vectors.
//
// The client uses Inspect to decide whether an invocation can be
// compiled remotely at all, and DependencyArgv to build the
// dependency-listing variant of the argv. The server uses Rewrite to
// reparent every path-bearing argument under the job's scratch root
// before invoking the compiler.
package args

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsupported reports an argv that cannot be compiled remotely:
// stdin input, a linking invocation, preprocessor-only or
// dependency-only modes, or flags tied to the client machine.
var ErrUnsupported = errors.New("argv cannot be compiled remotely")

// sourceExtensions lists the file extensions treated as translation
// unit inputs.
var sourceExtensions = map[string]bool{
	".c": true, ".cc": true, ".cp": true, ".cpp": true,
	".cxx": true, ".c++": true, ".i": true, ".ii": true,
}

// valueFlags are flags that consume the following argument.
var valueFlags = map[string]bool{
	"-o": true, "-I": true, "-isystem": true, "-isysroot": true,
	"-include": true, "-imacros": true, "-iquote": true,
	"-MF": true, "-MT": true, "-MQ": true, "-x": true,
}

// pathFlags are the value flags whose argument is a path the server
// must reparent.
var pathFlags = map[string]bool{
	"-o": true, "-I": true, "-isystem": true, "-isysroot": true,
	"-include": true, "-imacros": true, "-iquote": true,
}

// dependencyOnlyFlags make the compiler emit a dependency list
// instead of code. Such invocations never go remote.
var dependencyOnlyFlags = map[string]bool{
	"-M": true, "-MM": true,
}

// dependencySideFlags request dependency output as a side effect of
// compilation. They are stripped before remote execution: the client
// already ran the dependency step, and a -MF target would escape the
// scratch root.
var dependencySideFlags = map[string]bool{
	"-MD": true, "-MMD": true, "-MP": true, "-MG": true,
}

// Info is the surface of an argv the client core consumes.
type Info struct {
	// Compiler is argv[0].
	Compiler string

	// Inputs are the source files, in argv order.
	Inputs []string

	// Output is the -o target, or "" when the compiler default
	// applies.
	Output string
}

// Inspect classifies argv. It returns ErrUnsupported (wrapped with
// the reason) for invocations that must run locally.
func Inspect(argv []string) (*Info, error) {
	if len(argv) < 2 {
		return nil, fmt.Errorf("%w: no arguments", ErrUnsupported)
	}

	info := &Info{Compiler: argv[0]}
	compileOnly := false

	rest := argv[1:]
	for i := 0; i < len(rest); i++ {
		arg := rest[i]
		switch {
		case arg == "-":
			return nil, fmt.Errorf("%w: reads source from stdin", ErrUnsupported)

		case arg == "-c":
			compileOnly = true

		case arg == "-E" || arg == "-S":
			return nil, fmt.Errorf("%w: %s requests no compilation", ErrUnsupported, arg)

		case dependencyOnlyFlags[arg]:
			return nil, fmt.Errorf("%w: %s requests dependency output only", ErrUnsupported, arg)

		case arg == "-march=native" || arg == "-mtune=native":
			return nil, fmt.Errorf("%w: %s is not reproducible remotely", ErrUnsupported, arg)

		case arg == "-o":
			if i+1 >= len(rest) {
				return nil, fmt.Errorf("%w: -o without a target", ErrUnsupported)
			}
			i++
			info.Output = rest[i]

		case strings.HasPrefix(arg, "-o") && len(arg) > 2:
			info.Output = arg[2:]

		case valueFlags[arg]:
			i++

		case !strings.HasPrefix(arg, "-"):
			if sourceExtensions[strings.ToLower(filepath.Ext(arg))] {
				info.Inputs = append(info.Inputs, arg)
			}
		}
	}

	if !compileOnly {
		return nil, fmt.Errorf("%w: linking invocation (no -c)", ErrUnsupported)
	}
	if len(info.Inputs) == 0 {
		return nil, fmt.Errorf("%w: no source files", ErrUnsupported)
	}
	return info, nil
}

// DependencyArgv derives the argv that lists the translation unit's
// dependencies: output and compile-stage flags removed, -MM appended.
// -MM skips system headers; those come from the server's own
// environment (or its chroot/container), not from the client.
func DependencyArgv(argv []string) []string {
	result := []string{argv[0]}
	rest := argv[1:]
	for i := 0; i < len(rest); i++ {
		arg := rest[i]
		switch {
		case arg == "-c":
		case arg == "-o":
			i++
		case strings.HasPrefix(arg, "-o") && len(arg) > 2:
		default:
			result = append(result, arg)
		}
	}
	return append(result, "-MM")
}

// Rewritten is the server-side form of a client argv.
type Rewritten struct {
	// Argv is the argument vector to execute inside the scratch
	// root, path arguments reparented.
	Argv []string

	// Outputs are the object file paths as the client knows them,
	// absolute. The server-side path of outputs[i] is
	// rootDir + outputs[i].
	Outputs []string
}

// Rewrite reparents argv for execution under rootDir. cwd is the
// client's working directory; relative paths stay relative because
// the job executes in the reparented cwd. Dependency-generation
// flags are stripped and -c is enforced.
func Rewrite(argv []string, cwd, rootDir string) (*Rewritten, error) {
	info, err := Inspect(argv)
	if err != nil {
		return nil, err
	}

	mapPath := func(path string) string {
		if filepath.IsAbs(path) {
			return filepath.Join(rootDir, path)
		}
		return path
	}
	clientAbs := func(path string) string {
		if filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(cwd, path)
	}

	result := &Rewritten{Argv: []string{info.Compiler}}
	rest := argv[1:]
	sawOutput := false

	for i := 0; i < len(rest); i++ {
		arg := rest[i]
		switch {
		case arg == "-o":
			i++
			output := clientAbs(rest[i])
			result.Outputs = append(result.Outputs[:0], output)
			result.Argv = append(result.Argv, "-o", filepath.Join(rootDir, output))
			sawOutput = true

		case strings.HasPrefix(arg, "-o") && len(arg) > 2:
			output := clientAbs(arg[2:])
			result.Outputs = append(result.Outputs[:0], output)
			result.Argv = append(result.Argv, "-o", filepath.Join(rootDir, output))
			sawOutput = true

		case pathFlags[arg]:
			if i+1 >= len(rest) {
				return nil, fmt.Errorf("%w: %s without a value", ErrUnsupported, arg)
			}
			i++
			result.Argv = append(result.Argv, arg, mapPath(rest[i]))

		case flagWithJoinedPath(arg):
			flag, path := splitJoinedPath(arg)
			result.Argv = append(result.Argv, flag+mapPath(path))

		case arg == "-MF" || arg == "-MT" || arg == "-MQ":
			i++

		case dependencySideFlags[arg]:

		case arg == "-c":
			// Re-appended below so it appears exactly once.

		case !strings.HasPrefix(arg, "-") && sourceExtensions[strings.ToLower(filepath.Ext(arg))]:
			result.Argv = append(result.Argv, mapPath(arg))

		default:
			result.Argv = append(result.Argv, arg)
		}
	}

	result.Argv = append(result.Argv, "-c")

	if !sawOutput {
		// The compiler default: one object per source, named after
		// its stem, in the working directory.
		for _, input := range info.Inputs {
			stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
			result.Outputs = append(result.Outputs, filepath.Join(cwd, stem+".o"))
		}
	}

	return result, nil
}

// flagWithJoinedPath reports whether arg is a path flag in joined
// form, like -I/usr/include.
func flagWithJoinedPath(arg string) bool {
	for _, flag := range []string{"-I", "-isystem", "-isysroot", "-iquote"} {
		if strings.HasPrefix(arg, flag) && len(arg) > len(flag) {
			return true
		}
	}
	return false
}

func splitJoinedPath(arg string) (flag, path string) {
	// Longest-prefix match so -isystem wins over -i.
	for _, candidate := range []string{"-isystem", "-isysroot", "-iquote", "-I"} {
		if strings.HasPrefix(arg, candidate) {
			return candidate, arg[len(candidate):]
		}
	}
	return arg, ""
}
