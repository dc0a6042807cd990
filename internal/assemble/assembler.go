package assemble

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/tinyrange/mason/internal/plan"
)

// Assembler translates a parsed plan into ordered layer operations plus the
// image metadata the instructions accumulate.
type Assembler struct {
	plan    *plan.Plan
	context BuildContext
}

// NewAssembler creates an Assembler for the given plan.
func NewAssembler(p *plan.Plan) *Assembler {
	return &Assembler{plan: p}
}

// WithContext sets the build context copy instructions read from.
func (a *Assembler) WithContext(ctx BuildContext) *Assembler {
	a.context = ctx
	return a
}

// Step pairs an operation with the instruction that produced it, so build
// failures can name their exact position in the plan.
type Step struct {
	Op          Op
	Index       int
	Instruction plan.Instruction
}

// Result is an assembled plan, ready to execute against a rootfs.
type Result struct {
	BaseRef  string
	Platform string
	Steps    []Step

	// Metadata accumulated from non-filesystem instructions.
	Env          []string
	WorkDir      string
	Cmd          []string
	Entrypoint   []string
	Shell        []string
	User         string
	Labels       map[string]string
	ExposedPorts []string
	StopSignal   string
}

// Assemble walks the plan's instructions in order and produces the
// operation list. Variable expansion already happened at parse time, so
// this is a pure translation.
func (a *Assembler) Assemble() (*Result, error) {
	result := &Result{
		BaseRef:  a.plan.Base.Ref,
		Platform: a.plan.Base.Platform,
		Shell:    plan.DefaultShell(),
		Labels:   make(map[string]string),
	}

	for i, instr := range a.plan.Instructions {
		if err := a.processInstruction(i, instr, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (a *Assembler) processInstruction(index int, instr plan.Instruction, result *Result) error {
	switch instr.Kind {
	case plan.KindRun:
		return a.processRun(index, instr, result)
	case plan.KindCopy, plan.KindAdd:
		return a.processCopy(index, instr, result)
	case plan.KindEnv:
		result.Env = append(result.Env, instr.Args...)
		return nil
	case plan.KindWorkdir:
		return a.processWorkDir(index, instr, result)
	case plan.KindArg:
		// Consumed during parsing; nothing to execute.
		return nil
	case plan.KindUser:
		result.User = instr.Args[0]
		return nil
	case plan.KindExpose:
		result.ExposedPorts = append(result.ExposedPorts, instr.Args...)
		return nil
	case plan.KindLabel:
		for _, kv := range instr.Args {
			if key, value, ok := strings.Cut(kv, "="); ok {
				result.Labels[key] = value
			}
		}
		return nil
	case plan.KindCmd:
		result.Cmd = commandArgs(instr, result.Shell)
		return nil
	case plan.KindEntrypoint:
		result.Entrypoint = commandArgs(instr, result.Shell)
		return nil
	case plan.KindShell:
		result.Shell = instr.Args
		return nil
	case plan.KindStopSignal:
		result.StopSignal = instr.Args[0]
		return nil
	default:
		return &plan.UnsupportedError{Feature: instr.Kind.String(), Line: instr.Line}
	}
}

// commandArgs resolves exec form directly and wraps shell form with the
// current shell.
func commandArgs(instr plan.Instruction, shell []string) []string {
	if instr.ExecForm() {
		return instr.Args
	}
	return append(append([]string{}, shell...), instr.Args[0])
}

func (a *Assembler) processRun(index int, instr plan.Instruction, result *Result) error {
	op := &runOp{
		cmd:     commandArgs(instr, result.Shell),
		env:     append([]string{}, result.Env...),
		workDir: result.WorkDir,
	}
	result.Steps = append(result.Steps, Step{Op: op, Index: index, Instruction: instr})
	return nil
}

func (a *Assembler) processWorkDir(index int, instr plan.Instruction, result *Result) error {
	dir := instr.Args[0]
	if !path.IsAbs(dir) {
		if result.WorkDir == "" {
			dir = "/" + dir
		} else {
			dir = path.Join(result.WorkDir, dir)
		}
	}
	result.WorkDir = dir

	op := &runOp{
		cmd: []string{"mkdir", "-p", dir},
		env: append([]string{}, result.Env...),
	}
	result.Steps = append(result.Steps, Step{Op: op, Index: index, Instruction: instr})
	return nil
}

func (a *Assembler) processCopy(index int, instr plan.Instruction, result *Result) error {
	fail := func(message string, err error) error {
		return &InstructionError{
			Index:    index,
			Line:     instr.Line,
			Op:       instr.Kind.String(),
			Original: instr.Original,
			Message:  message,
			Err:      err,
		}
	}

	if a.context == nil {
		return fail("", ErrNoContext)
	}

	for _, flag := range []string{"chown", "chmod", "link"} {
		if _, ok := instr.Flags[flag]; ok {
			return &plan.UnsupportedError{
				Feature: fmt.Sprintf("%s --%s", instr.Kind, flag),
				Line:    instr.Line,
			}
		}
	}

	srcs := instr.Args[:len(instr.Args)-1]
	dst := instr.Args[len(instr.Args)-1]

	for _, src := range srcs {
		if err := ValidatePath(a.context.Root(), src); err != nil {
			return &PathTraversalError{Path: src, Line: instr.Line}
		}

		info, err := a.context.Stat(src)
		if err != nil {
			return fail(fmt.Sprintf("stat source %q", src), err)
		}

		if info.IsDir() {
			contentHash, err := hashTree(a.context, src)
			if err != nil {
				return fail(fmt.Sprintf("hash source %q", src), err)
			}
			op := &copyOp{
				context:     a.context,
				src:         src,
				dst:         dst,
				contentHash: contentHash,
			}
			result.Steps = append(result.Steps, Step{Op: op, Index: index, Instruction: instr})
			continue
		}

		rc, err := a.context.Open(src)
		if err != nil {
			return fail(fmt.Sprintf("open source %q", src), err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fail(fmt.Sprintf("read source %q", src), err)
		}

		sum := sha256.Sum256(data)

		finalDst := dst
		if len(srcs) > 1 || strings.HasSuffix(dst, "/") {
			finalDst = path.Join(dst, path.Base(src))
		}

		op := &readerOp{
			data:        data,
			dst:         finalDst,
			mode:        info.Mode().Perm(),
			contentHash: hex.EncodeToString(sum[:]),
		}
		result.Steps = append(result.Steps, Step{Op: op, Index: index, Instruction: instr})
	}

	return nil
}

// hashTree fingerprints a directory source: every file's path, permissions,
// and content feed the digest in walk order.
func hashTree(ctx BuildContext, src string) (string, error) {
	h := sha256.New()

	err := ctx.Walk(src, func(relPath string, info os.FileInfo, rc io.ReadCloser) error {
		defer rc.Close()

		fmt.Fprintf(h, "%s\x00%o\x00", relPath, info.Mode().Perm())
		if _, err := io.Copy(h, rc); err != nil {
			return err
		}
		h.Write([]byte{0})
		return nil
	})
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
