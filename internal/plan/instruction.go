package plan

// Kind identifies the type of a build instruction.
type Kind int

const (
	KindFrom Kind = iota
	KindRun
	KindCopy
	KindAdd
	KindEnv
	KindWorkdir
	KindArg
	KindLabel
	KindUser
	KindExpose
	KindCmd
	KindEntrypoint
	KindShell
	KindStopSignal
)

func (k Kind) String() string {
	switch k {
	case KindFrom:
		return "FROM"
	case KindRun:
		return "RUN"
	case KindCopy:
		return "COPY"
	case KindAdd:
		return "ADD"
	case KindEnv:
		return "ENV"
	case KindWorkdir:
		return "WORKDIR"
	case KindArg:
		return "ARG"
	case KindLabel:
		return "LABEL"
	case KindUser:
		return "USER"
	case KindExpose:
		return "EXPOSE"
	case KindCmd:
		return "CMD"
	case KindEntrypoint:
		return "ENTRYPOINT"
	case KindShell:
		return "SHELL"
	case KindStopSignal:
		return "STOPSIGNAL"
	default:
		return "UNKNOWN"
	}
}

// Instruction is a single parsed build step. Instructions are applied in
// source order; the slice index in Plan.Instructions is the step index
// reported on failure.
type Instruction struct {
	Kind     Kind
	Line     int               // source line number (1-indexed)
	Original string            // original source text
	Args     []string          // parsed arguments
	Flags    map[string]string // flags like --chown, --chmod
}

// ExecForm reports whether the instruction was written in JSON exec form.
func (in Instruction) ExecForm() bool {
	return in.Flags["form"] == "exec"
}

// BaseImage describes the starting point of a plan.
type BaseImage struct {
	Ref         string // image reference after variable expansion
	RefTemplate string // reference as written, before expansion
	Platform    string // from --platform, empty for host default
}

// KeyValue is a key-value pair for ARG, ENV and LABEL arguments.
type KeyValue struct {
	Key   string
	Value string
}

// Plan is a parsed build plan: one base image and a linear instruction
// sequence. Plans never branch; multi-stage input is rejected at parse time.
type Plan struct {
	Base         BaseImage
	Args         []KeyValue // ARGs declared before FROM
	Instructions []Instruction
	MinVersion   string // from a mason:min-version directive, empty if absent
}

// DefaultShell returns the shell used for shell-form RUN commands when the
// plan does not override it with SHELL.
func DefaultShell() []string {
	return []string{"/bin/sh", "-c"}
}
