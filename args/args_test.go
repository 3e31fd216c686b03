// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

package args

import (
	"errors"
	"reflect"
	"testing"
)

func TestInspect(t *testing.T) {
	t.Parallel()

	info, err := Inspect([]string{"g++", "-c", "-O2", "-Iinclude", "main.cpp", "util.cpp", "-o", "out/main.o"})
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Compiler != "g++" {
		t.Errorf("Compiler = %q", info.Compiler)
	}
	if !reflect.DeepEqual(info.Inputs, []string{"main.cpp", "util.cpp"}) {
		t.Errorf("Inputs = %v", info.Inputs)
	}
	if info.Output != "out/main.o" {
		t.Errorf("Output = %q", info.Output)
	}
}

func TestInspectJoinedOutput(t *testing.T) {
	t.Parallel()

	info, err := Inspect([]string{"gcc", "-c", "a.c", "-oa.o"})
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Output != "a.o" {
		t.Errorf("Output = %q, want a.o", info.Output)
	}
}

func TestInspectRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		argv []string
	}{
		{"stdin", []string{"gcc", "-c", "-"}},
		{"linking", []string{"gcc", "main.c", "-o", "main"}},
		{"preprocess only", []string{"gcc", "-E", "main.c"}},
		{"assembly only", []string{"gcc", "-S", "-c", "main.c"}},
		{"dependency only", []string{"gcc", "-MM", "main.c"}},
		{"march native", []string{"gcc", "-c", "-march=native", "main.c"}},
		{"no sources", []string{"gcc", "-c", "-O2"}},
		{"empty", []string{"gcc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Inspect(tt.argv); !errors.Is(err, ErrUnsupported) {
				t.Errorf("Inspect(%v) = %v, want ErrUnsupported", tt.argv, err)
			}
		})
	}
}

func TestInspectAllowsSideEffectDependencyFlags(t *testing.T) {
	t.Parallel()

	// -MD alongside -c still compiles; only -M/-MM suppress compilation.
	if _, err := Inspect([]string{"gcc", "-c", "-MD", "main.c"}); err != nil {
		t.Errorf("Inspect with -MD: %v", err)
	}
}

func TestDependencyArgv(t *testing.T) {
	t.Parallel()

	got := DependencyArgv([]string{"g++", "-c", "-O2", "main.cpp", "-o", "main.o"})
	want := []string{"g++", "-O2", "main.cpp", "-MM"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DependencyArgv = %v, want %v", got, want)
	}

	got = DependencyArgv([]string{"g++", "-c", "main.cpp", "-omain.o"})
	want = []string{"g++", "main.cpp", "-MM"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DependencyArgv joined -o = %v, want %v", got, want)
	}
}

func TestRewrite(t *testing.T) {
	t.Parallel()

	rewritten, err := Rewrite(
		[]string{"g++", "-c", "-O2", "-I/usr/local/include", "-Iinclude", "-isystem", "/opt/sdk/include",
			"/home/dev/project/main.cpp", "-o", "main.o"},
		"/home/dev/project", "/tmp/homcc-job1",
	)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	wantArgv := []string{
		"g++", "-O2",
		"-I/tmp/homcc-job1/usr/local/include",
		"-Iinclude",
		"-isystem", "/tmp/homcc-job1/opt/sdk/include",
		"/tmp/homcc-job1/home/dev/project/main.cpp",
		"-o", "/tmp/homcc-job1/home/dev/project/main.o",
		"-c",
	}
	if !reflect.DeepEqual(rewritten.Argv, wantArgv) {
		t.Errorf("Argv:\n got %v\nwant %v", rewritten.Argv, wantArgv)
	}
	if !reflect.DeepEqual(rewritten.Outputs, []string{"/home/dev/project/main.o"}) {
		t.Errorf("Outputs = %v", rewritten.Outputs)
	}
}

func TestRewriteDefaultOutput(t *testing.T) {
	t.Parallel()

	rewritten, err := Rewrite(
		[]string{"gcc", "-c", "src/util.c"},
		"/home/dev/project", "/tmp/homcc-job2",
	)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if !reflect.DeepEqual(rewritten.Outputs, []string{"/home/dev/project/util.o"}) {
		t.Errorf("Outputs = %v", rewritten.Outputs)
	}
}

func TestRewriteStripsDependencySideFlags(t *testing.T) {
	t.Parallel()

	rewritten, err := Rewrite(
		[]string{"gcc", "-c", "-MD", "-MF", "deps.d", "-MT", "target", "a.c", "-o", "a.o"},
		"/work", "/tmp/homcc-job3",
	)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	for _, arg := range rewritten.Argv {
		switch arg {
		case "-MD", "-MF", "-MT", "deps.d", "target":
			t.Errorf("dependency flag %q survived rewriting: %v", arg, rewritten.Argv)
		}
	}
}

func TestRewriteRejectsUnsupported(t *testing.T) {
	t.Parallel()

	if _, err := Rewrite([]string{"gcc", "main.c", "-o", "main"}, "/work", "/tmp/j"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("got %v, want ErrUnsupported", err)
	}
}
