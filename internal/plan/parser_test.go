package plan

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func mustParse(t *testing.T, src string, buildArgs map[string]string) *Plan {
	t.Helper()
	p, err := Parse([]byte(src), buildArgs)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return p
}

func TestParseBasic(t *testing.T) {
	src := `FROM alpine:3.20
ENV DEBIAN_FRONTEND=noninteractive
RUN apk add --no-cache git
COPY main.go /src/main.go
WORKDIR /src
ENTRYPOINT ["/bin/app"]
`
	p := mustParse(t, src, nil)

	if p.Base.Ref != "alpine:3.20" {
		t.Errorf("base ref = %q, want alpine:3.20", p.Base.Ref)
	}
	if len(p.Instructions) != 5 {
		t.Fatalf("got %d instructions, want 5", len(p.Instructions))
	}

	wantKinds := []Kind{KindEnv, KindRun, KindCopy, KindWorkdir, KindEntrypoint}
	wantLines := []int{2, 3, 4, 5, 6}
	for i, in := range p.Instructions {
		if in.Kind != wantKinds[i] {
			t.Errorf("instruction %d kind = %v, want %v", i, in.Kind, wantKinds[i])
		}
		if in.Line != wantLines[i] {
			t.Errorf("instruction %d line = %d, want %d", i, in.Line, wantLines[i])
		}
	}

	if got := p.Instructions[0].Args; len(got) != 1 || got[0] != "DEBIAN_FRONTEND=noninteractive" {
		t.Errorf("ENV args = %v", got)
	}
	if !p.Instructions[4].ExecForm() {
		t.Error("ENTRYPOINT with JSON array should be exec form")
	}
}

func TestParseCommandForms(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantArgs []string
		wantExec bool
	}{
		{"shell form", `RUN apk add git && rm -rf /var/cache`, []string{"apk add git && rm -rf /var/cache"}, false},
		{"exec form", `RUN ["/bin/sh", "-c", "echo hi"]`, []string{"/bin/sh", "-c", "echo hi"}, true},
		{"exec form with spaces", `CMD ["nginx", "-g", "daemon off;"]`, []string{"nginx", "-g", "daemon off;"}, true},
		{"invalid json is shell form", `RUN [not json`, []string{"[not json"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustParse(t, "FROM alpine\n"+tt.line+"\n", nil)
			in := p.Instructions[0]
			if len(in.Args) != len(tt.wantArgs) {
				t.Fatalf("args = %v, want %v", in.Args, tt.wantArgs)
			}
			for i := range in.Args {
				if in.Args[i] != tt.wantArgs[i] {
					t.Errorf("arg %d = %q, want %q", i, in.Args[i], tt.wantArgs[i])
				}
			}
			if in.ExecForm() != tt.wantExec {
				t.Errorf("ExecForm = %v, want %v", in.ExecForm(), tt.wantExec)
			}
		})
	}
}

func TestParseContinuation(t *testing.T) {
	src := `FROM alpine
RUN apk add \
    git \
    # a comment inside the continuation
    curl
`
	p := mustParse(t, src, nil)
	if len(p.Instructions) != 1 {
		t.Fatalf("got %d instructions, want 1", len(p.Instructions))
	}
	in := p.Instructions[0]
	if in.Line != 2 {
		t.Errorf("line = %d, want 2 (start of the continuation)", in.Line)
	}
	if !strings.Contains(in.Args[0], "git") || !strings.Contains(in.Args[0], "curl") {
		t.Errorf("merged command = %q", in.Args[0])
	}
	if strings.Contains(in.Args[0], "comment") {
		t.Errorf("comment leaked into command: %q", in.Args[0])
	}
}

func TestParseHeredoc(t *testing.T) {
	src := `FROM alpine
RUN <<EOF
echo one
echo two
EOF
`
	p := mustParse(t, src, nil)
	if len(p.Instructions) != 1 {
		t.Fatalf("got %d instructions, want 1", len(p.Instructions))
	}
	cmd := p.Instructions[0].Args[0]
	for _, want := range []string{"<<EOF", "echo one", "echo two", "EOF"} {
		if !strings.Contains(cmd, want) {
			t.Errorf("heredoc command missing %q: %q", want, cmd)
		}
	}

	_, err := Parse([]byte("FROM alpine\nRUN <<EOF\necho never closed\n"), nil)
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("unterminated heredoc error = %v, want ParseError", err)
	}
	if !strings.Contains(perr.Message, "EOF") {
		t.Errorf("error should name the missing delimiter: %v", perr)
	}
}

func TestParseEnvForms(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{"single pair", `ENV KEY=value`, []string{"KEY=value"}},
		{"multiple pairs", `ENV A=1 B=2`, []string{"A=1", "B=2"}},
		{"double quoted", `ENV MSG="hello world" NEXT=x`, []string{"MSG=hello world", "NEXT=x"}},
		{"single quoted", `ENV MSG='no expansion here'`, []string{"MSG=no expansion here"}},
		{"legacy space form", `ENV PATH /usr/local/bin`, []string{"PATH=/usr/local/bin"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustParse(t, "FROM alpine\n"+tt.line+"\n", nil)
			got := p.Instructions[0].Args
			if len(got) != len(tt.want) {
				t.Fatalf("args = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("arg %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}

	if _, err := Parse([]byte("FROM alpine\nENV\n"), nil); err == nil {
		t.Error("ENV without arguments should fail")
	}
}

func TestParseArgs(t *testing.T) {
	src := `ARG VERSION=3.20
ARG MIRROR
FROM alpine:$VERSION
ARG BUILD_ID=local
RUN echo $BUILD_ID
`
	p := mustParse(t, src, map[string]string{"MIRROR": "mirror.example.com"})

	if p.Base.Ref != "alpine:3.20" {
		t.Errorf("base ref = %q, want alpine:3.20", p.Base.Ref)
	}
	if p.Base.RefTemplate != "alpine:$VERSION" {
		t.Errorf("ref template = %q", p.Base.RefTemplate)
	}
	if len(p.Args) != 2 {
		t.Fatalf("pre-FROM args = %v, want 2", p.Args)
	}
	if p.Args[1].Key != "MIRROR" || p.Args[1].Value != "mirror.example.com" {
		t.Errorf("override not applied: %+v", p.Args[1])
	}

	// Post-FROM ARG is a regular instruction carrying name and value.
	if p.Instructions[0].Kind != KindArg {
		t.Fatalf("instruction 0 = %v, want ARG", p.Instructions[0].Kind)
	}
	if got := p.Instructions[0].Args; got[0] != "BUILD_ID" || got[1] != "local" {
		t.Errorf("ARG args = %v", got)
	}
}

func TestParseArgOverridesFrom(t *testing.T) {
	src := "ARG BASE=alpine:3.20\nFROM $BASE\n"
	p := mustParse(t, src, map[string]string{"BASE": "debian:12"})
	if p.Base.Ref != "debian:12" {
		t.Errorf("base ref = %q, want debian:12", p.Base.Ref)
	}
}

func TestParseRejections(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantIs  error
		wantMsg string
	}{
		{"missing from", "RUN echo hi\n", nil, "before FROM"},
		{"empty plan", "# only a comment\n", ErrMissingFrom, ""},
		{"multiple from", "FROM alpine\nFROM debian\n", nil, "multiple FROM"},
		{"from as", "FROM alpine AS builder\n", ErrUnsupportedInstruction, ""},
		{"copy from stage", "FROM alpine\nCOPY --from=builder /a /b\n", ErrUnsupportedInstruction, ""},
		{"add url", "FROM alpine\nADD https://example.com/x /x\n", ErrUnsupportedInstruction, ""},
		{"volume", "FROM alpine\nVOLUME /data\n", ErrUnsupportedInstruction, ""},
		{"onbuild", "FROM alpine\nONBUILD RUN echo hi\n", ErrUnsupportedInstruction, ""},
		{"healthcheck", "FROM alpine\nHEALTHCHECK CMD true\n", ErrUnsupportedInstruction, ""},
		{"unknown keyword", "FROM alpine\nFLY me to the moon\n", nil, "unknown instruction: FLY"},
		{"shell form shell", "FROM alpine\nSHELL /bin/bash -c\n", nil, "SHELL must use exec form"},
		{"copy one arg", "FROM alpine\nCOPY onlyone\n", nil, "source and destination"},
		{"workdir empty", "FROM alpine\nWORKDIR\n", nil, "WORKDIR requires a path"},
		{"expose empty", "FROM alpine\nEXPOSE\n", nil, "EXPOSE requires at least one port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), nil)
			if err == nil {
				t.Fatal("Parse succeeded, want error")
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("error = %v, want errors.Is(%v)", err, tt.wantIs)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %v, want substring %q", err, tt.wantMsg)
			}
		})
	}
}

func TestParseErrorLine(t *testing.T) {
	_, err := Parse([]byte("FROM alpine\n\nVOLUME /data\n"), nil)
	var uerr *UnsupportedError
	if !errors.As(err, &uerr) {
		t.Fatalf("error = %v, want UnsupportedError", err)
	}
	if uerr.Line != 3 {
		t.Errorf("line = %d, want 3", uerr.Line)
	}
}

func TestParseCopyFlags(t *testing.T) {
	p := mustParse(t, "FROM alpine\nCOPY --chown=app:app --chmod=600 src/ /dst/\n", nil)
	in := p.Instructions[0]
	if in.Flags["chown"] != "app:app" {
		t.Errorf("chown flag = %q", in.Flags["chown"])
	}
	if in.Flags["chmod"] != "600" {
		t.Errorf("chmod flag = %q", in.Flags["chmod"])
	}
	if len(in.Args) != 2 || in.Args[0] != "src/" || in.Args[1] != "/dst/" {
		t.Errorf("args = %v", in.Args)
	}
}

func TestParseMaintainerIgnored(t *testing.T) {
	p := mustParse(t, "MAINTAINER nobody@example.com\nFROM alpine\n", nil)
	if len(p.Instructions) != 0 {
		t.Errorf("MAINTAINER should not produce an instruction: %v", p.Instructions)
	}
}

func TestParseDirectives(t *testing.T) {
	p := mustParse(t, "# mason:min-version=v0.3.0\nFROM alpine\n", nil)
	if p.MinVersion != "v0.3.0" {
		t.Errorf("min version = %q, want v0.3.0", p.MinVersion)
	}

	// After the first instruction the same text is an ordinary comment.
	p = mustParse(t, "FROM alpine\n# mason:min-version=v9.9.9\n", nil)
	if p.MinVersion != "" {
		t.Errorf("late directive should be ignored, got %q", p.MinVersion)
	}

	if _, err := Parse([]byte("# mason:frobnicate=yes\nFROM alpine\n"), nil); err == nil {
		t.Error("unknown directive should fail")
	}
}

func TestCheckMinVersion(t *testing.T) {
	tests := []struct {
		minVersion string
		builder    string
		wantErr    bool
	}{
		{"", "v0.1.0", false},
		{"v0.3.0", "v0.3.0", false},
		{"v0.3.0", "v0.4.1", false},
		{"v0.3.0", "v0.2.9", true},
		{"v0.3.0", "dev", false}, // dev builds skip the check
		{"not-semver", "v1.0.0", true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_vs_%s", tt.minVersion, tt.builder), func(t *testing.T) {
			p := &Plan{MinVersion: tt.minVersion}
			err := p.CheckMinVersion(tt.builder)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckMinVersion(%q) with min %q: err = %v", tt.builder, tt.minVersion, err)
			}
		})
	}
}

func TestParseLimits(t *testing.T) {
	t.Run("plan too large", func(t *testing.T) {
		big := make([]byte, MaxPlanSize+1)
		for i := range big {
			big[i] = '#'
		}
		if _, err := Parse(big, nil); !errors.Is(err, ErrPlanTooLarge) {
			t.Errorf("error = %v, want ErrPlanTooLarge", err)
		}
	})

	t.Run("too many instructions", func(t *testing.T) {
		var sb strings.Builder
		sb.WriteString("FROM alpine\n")
		for i := 0; i < MaxInstructionCount; i++ {
			sb.WriteString("RUN true\n")
		}
		if _, err := Parse([]byte(sb.String()), nil); !errors.Is(err, ErrTooManyInstructions) {
			t.Errorf("error = %v, want ErrTooManyInstructions", err)
		}
	})

	t.Run("too many variables", func(t *testing.T) {
		var sb strings.Builder
		sb.WriteString("FROM alpine\n")
		for i := 0; i <= MaxVariableCount; i++ {
			fmt.Fprintf(&sb, "ENV K%d=v\n", i)
		}
		if _, err := Parse([]byte(sb.String()), nil); !errors.Is(err, ErrTooManyVariables) {
			t.Errorf("error = %v, want ErrTooManyVariables", err)
		}
	})
}
