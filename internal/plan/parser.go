package plan

import (
	"bufio"
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

// Parse parses a build plan from its byte content. Build arguments supplied
// by the caller override ARG defaults during expansion.
func Parse(data []byte, buildArgs map[string]string) (*Plan, error) {
	if len(data) > MaxPlanSize {
		return nil, ErrPlanTooLarge
	}

	p := &parser{
		vars:      make(map[string]string),
		overrides: buildArgs,
		result:    &Plan{},
	}

	return p.parse(data)
}

// parser holds state during parsing.
type parser struct {
	vars             map[string]string // accumulated ARG/ENV values
	overrides        map[string]string // caller-supplied build arguments
	result           *Plan
	sawFrom          bool
	sawInstruction   bool
	instructionCount int
}

// heredocPattern matches heredoc markers: <<EOF, <<'EOF', <<"EOF", <<-EOF.
var heredocPattern = regexp.MustCompile(`<<-?['"]?(\w+)['"]?`)

// directivePattern matches builder directives in leading comments,
// e.g. "# mason:min-version=v0.3.0".
var directivePattern = regexp.MustCompile(`^#\s*mason:([a-z-]+)=(\S+)\s*$`)

func (p *parser) parse(data []byte) (*Plan, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, MaxLineLength), MaxLineLength)

	lineNum := 0
	var continuation strings.Builder
	continuationStartLine := 0

	var heredocDelims []string
	var heredoc strings.Builder
	inHeredoc := false

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if len(line) > MaxLineLength {
			return nil, &ParseError{
				Line:    lineNum,
				Message: "line exceeds maximum length",
			}
		}

		if inHeredoc {
			trimmedLine := strings.TrimSpace(line)
			if len(heredocDelims) > 0 && trimmedLine == heredocDelims[0] {
				// Close the innermost open heredoc. The delimiter stays in
				// the accumulated text so the shell sees a complete heredoc.
				heredoc.WriteString(heredocDelims[0])
				heredoc.WriteByte('\n')
				heredocDelims = heredocDelims[1:]
				if len(heredocDelims) == 0 {
					inHeredoc = false
					if err := p.parseInstruction(strings.TrimSpace(heredoc.String()), continuationStartLine); err != nil {
						return nil, err
					}
					heredoc.Reset()
				}
			} else {
				heredoc.WriteString(line)
				heredoc.WriteByte('\n')
			}
			continue
		}

		trimmed := strings.TrimRightFunc(line, unicode.IsSpace)

		// Blank and comment lines inside a continuation are skipped without
		// ending it.
		if continuation.Len() > 0 {
			stripped := strings.TrimSpace(trimmed)
			if !strings.HasSuffix(trimmed, "\\") {
				if stripped == "" || strings.HasPrefix(stripped, "#") {
					continue
				}
			}
		}

		if strings.HasSuffix(trimmed, "\\") {
			if continuation.Len() == 0 {
				continuationStartLine = lineNum
			}
			continuation.WriteString(strings.TrimSuffix(trimmed, "\\"))
			continuation.WriteByte(' ')
			continue
		}

		var fullLine string
		var effectiveLine int
		if continuation.Len() > 0 {
			continuation.WriteString(trimmed)
			fullLine = continuation.String()
			effectiveLine = continuationStartLine
			continuation.Reset()
		} else {
			fullLine = trimmed
			effectiveLine = lineNum
		}

		stripped := strings.TrimSpace(fullLine)
		if stripped == "" || strings.HasPrefix(stripped, "#") {
			if err := p.parseDirective(stripped, effectiveLine); err != nil {
				return nil, err
			}
			continue
		}

		if heredocDelims = findHeredocDelimiters(stripped); len(heredocDelims) > 0 {
			inHeredoc = true
			heredoc.Reset()
			heredoc.WriteString(stripped)
			heredoc.WriteByte('\n')
			continuationStartLine = effectiveLine
			continue
		}

		if err := p.parseInstruction(stripped, effectiveLine); err != nil {
			return nil, err
		}

		if p.instructionCount > MaxInstructionCount {
			return nil, ErrTooManyInstructions
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Message: "read error: " + err.Error()}
	}

	if inHeredoc {
		return nil, &ParseError{
			Line:    continuationStartLine,
			Message: "unterminated heredoc, missing delimiter " + heredocDelims[0],
		}
	}

	if continuation.Len() > 0 {
		stripped := strings.TrimSpace(continuation.String())
		if stripped != "" && !strings.HasPrefix(stripped, "#") {
			if err := p.parseInstruction(stripped, continuationStartLine); err != nil {
				return nil, err
			}
		}
	}

	if !p.sawFrom {
		return nil, ErrMissingFrom
	}

	return p.result, nil
}

// findHeredocDelimiters extracts heredoc delimiters from a line, in order.
func findHeredocDelimiters(line string) []string {
	matches := heredocPattern.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return nil
	}

	var delims []string
	for _, m := range matches {
		if len(m) >= 2 {
			delims = append(delims, m[1])
		}
	}
	return delims
}

// parseDirective handles builder directives in comments before the first
// instruction. Directives after an instruction are ordinary comments.
func (p *parser) parseDirective(stripped string, lineNum int) error {
	if p.sawInstruction || p.sawFrom {
		return nil
	}
	m := directivePattern.FindStringSubmatch(stripped)
	if m == nil {
		return nil
	}
	switch m[1] {
	case "min-version":
		p.result.MinVersion = m[2]
		return nil
	default:
		return &ParseError{
			Line:    lineNum,
			Message: "unknown directive: mason:" + m[1],
		}
	}
}

func (p *parser) parseInstruction(line string, lineNum int) error {
	p.instructionCount++
	p.sawInstruction = true

	spaceIdx := strings.IndexFunc(line, unicode.IsSpace)
	var keyword, rest string
	if spaceIdx == -1 {
		keyword = line
		rest = ""
	} else {
		keyword = line[:spaceIdx]
		rest = strings.TrimSpace(line[spaceIdx+1:])
	}

	keyword = strings.ToUpper(keyword)

	if !p.sawFrom && keyword != "FROM" && keyword != "ARG" && keyword != "MAINTAINER" {
		return &ParseError{
			Line:    lineNum,
			Message: keyword + " before FROM",
			Hint:    "a plan starts with FROM, optionally preceded by ARG",
		}
	}

	switch keyword {
	case "FROM":
		return p.parseFrom(rest, lineNum)
	case "RUN":
		return p.parseCommandForm(KindRun, rest, lineNum, line)
	case "COPY":
		return p.parseCopy(KindCopy, rest, lineNum, line)
	case "ADD":
		return p.parseCopy(KindAdd, rest, lineNum, line)
	case "ENV":
		return p.parseEnv(rest, lineNum, line)
	case "WORKDIR":
		return p.parseSingleArg(KindWorkdir, rest, lineNum, line, "WORKDIR requires a path")
	case "ARG":
		return p.parseArg(rest, lineNum, line)
	case "LABEL":
		return p.parseLabel(rest, lineNum, line)
	case "USER":
		return p.parseSingleArg(KindUser, rest, lineNum, line, "USER requires a username")
	case "EXPOSE":
		return p.parseExpose(rest, lineNum, line)
	case "CMD":
		return p.parseCommandForm(KindCmd, rest, lineNum, line)
	case "ENTRYPOINT":
		return p.parseCommandForm(KindEntrypoint, rest, lineNum, line)
	case "SHELL":
		return p.parseShell(rest, lineNum, line)
	case "STOPSIGNAL":
		return p.parseSingleArg(KindStopSignal, rest, lineNum, line, "STOPSIGNAL requires a signal")
	case "VOLUME", "ONBUILD", "HEALTHCHECK":
		return &UnsupportedError{Feature: keyword, Line: lineNum}
	case "MAINTAINER":
		// deprecated, ignored
		return nil
	default:
		return &ParseError{
			Line:    lineNum,
			Message: "unknown instruction: " + keyword,
		}
	}
}

func (p *parser) parseFrom(rest string, lineNum int) error {
	if p.sawFrom {
		return &ParseError{
			Line:    lineNum,
			Message: "multiple FROM instructions",
			Hint:    "plans are single-stage; split the build into separate plans",
		}
	}

	flags := make(map[string]string)
	rest = parseFlags(rest, flags)

	parts := strings.Fields(rest)
	if len(parts) == 0 {
		return &ParseError{Line: lineNum, Message: "FROM requires an image argument"}
	}
	if len(parts) >= 2 && strings.ToUpper(parts[1]) == "AS" {
		return &UnsupportedError{Feature: "FROM ... AS (multi-stage builds)", Line: lineNum}
	}

	template := parts[0]
	ref, err := Expand(template, p.expandVars())
	if err != nil {
		return &ParseError{Line: lineNum, Message: "variable expansion failed: " + err.Error()}
	}

	p.result.Base = BaseImage{
		Ref:         ref,
		RefTemplate: template,
		Platform:    flags["platform"],
	}
	p.sawFrom = true
	return nil
}

// parseCommandForm handles RUN, CMD and ENTRYPOINT: JSON exec form or shell
// form. Shell form keeps the whole text as one argument for the shell;
// variables in it are left for the shell to expand at execution time.
func (p *parser) parseCommandForm(kind Kind, rest string, lineNum int, original string) error {
	args, isExec := parseExecOrShellForm(rest)

	form := "shell"
	if isExec {
		form = "exec"
	}

	p.append(Instruction{
		Kind:     kind,
		Line:     lineNum,
		Original: original,
		Args:     args,
		Flags:    map[string]string{"form": form},
	})
	return nil
}

func (p *parser) parseCopy(kind Kind, rest string, lineNum int, original string) error {
	flags := make(map[string]string)
	rest = parseFlags(rest, flags)

	if _, hasFrom := flags["from"]; hasFrom {
		return &UnsupportedError{Feature: "COPY --from (multi-stage builds)", Line: lineNum}
	}

	args := parseSpaceSeparatedOrExec(rest)
	if len(args) < 2 {
		return &ParseError{Line: lineNum, Message: kind.String() + " requires source and destination"}
	}

	if kind == KindAdd {
		for i := 0; i+1 < len(args); i++ {
			if strings.HasPrefix(args[i], "http://") || strings.HasPrefix(args[i], "https://") {
				return &UnsupportedError{Feature: "ADD with URLs", Line: lineNum}
			}
		}
	}

	for i, arg := range args {
		expanded, err := Expand(arg, p.expandVars())
		if err != nil {
			return &ParseError{Line: lineNum, Message: "variable expansion failed: " + err.Error()}
		}
		args[i] = expanded
	}

	p.append(Instruction{
		Kind:     kind,
		Line:     lineNum,
		Original: original,
		Args:     args,
		Flags:    flags,
	})
	return nil
}

func (p *parser) parseEnv(rest string, lineNum int, original string) error {
	kvs, err := parseKeyValues(rest)
	if err != nil {
		return &ParseError{Line: lineNum, Message: err.Error()}
	}
	if len(kvs) == 0 {
		return &ParseError{Line: lineNum, Message: "ENV requires at least one key-value pair"}
	}

	args := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		expanded, err := Expand(kv.Value, p.expandVars())
		if err != nil {
			return &ParseError{Line: lineNum, Message: "variable expansion failed: " + err.Error()}
		}
		if err := p.setVar(kv.Key, expanded); err != nil {
			return err
		}
		args = append(args, kv.Key+"="+expanded)
	}

	p.append(Instruction{
		Kind:     KindEnv,
		Line:     lineNum,
		Original: original,
		Args:     args,
	})
	return nil
}

func (p *parser) parseSingleArg(kind Kind, rest string, lineNum int, original, missingMsg string) error {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return &ParseError{Line: lineNum, Message: missingMsg}
	}

	expanded, err := Expand(rest, p.expandVars())
	if err != nil {
		return &ParseError{Line: lineNum, Message: "variable expansion failed: " + err.Error()}
	}

	p.append(Instruction{
		Kind:     kind,
		Line:     lineNum,
		Original: original,
		Args:     []string{expanded},
	})
	return nil
}

func (p *parser) parseArg(rest string, lineNum int, original string) error {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return &ParseError{Line: lineNum, Message: "ARG requires a name"}
	}

	var name, def string
	if eq := strings.Index(rest, "="); eq != -1 {
		name = rest[:eq]
		def = rest[eq+1:]
	} else {
		name = rest
	}

	// Caller-supplied build arguments win over plan defaults.
	value := def
	if override, ok := p.overrides[name]; ok {
		value = override
	}
	if _, exists := p.vars[name]; !exists {
		if err := p.setVar(name, value); err != nil {
			return err
		}
	}

	if !p.sawFrom {
		p.result.Args = append(p.result.Args, KeyValue{Key: name, Value: value})
		return nil
	}

	p.append(Instruction{
		Kind:     KindArg,
		Line:     lineNum,
		Original: original,
		Args:     []string{name, value},
	})
	return nil
}

func (p *parser) parseLabel(rest string, lineNum int, original string) error {
	kvs, err := parseKeyValues(rest)
	if err != nil {
		return &ParseError{Line: lineNum, Message: err.Error()}
	}
	if len(kvs) == 0 {
		return &ParseError{Line: lineNum, Message: "LABEL requires at least one key-value pair"}
	}

	args := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		expanded, err := Expand(kv.Value, p.expandVars())
		if err != nil {
			return &ParseError{Line: lineNum, Message: "variable expansion failed: " + err.Error()}
		}
		args = append(args, kv.Key+"="+expanded)
	}

	p.append(Instruction{
		Kind:     KindLabel,
		Line:     lineNum,
		Original: original,
		Args:     args,
	})
	return nil
}

func (p *parser) parseExpose(rest string, lineNum int, original string) error {
	parts := strings.Fields(rest)
	if len(parts) == 0 {
		return &ParseError{Line: lineNum, Message: "EXPOSE requires at least one port"}
	}

	for i, port := range parts {
		expanded, err := Expand(port, p.expandVars())
		if err != nil {
			return &ParseError{Line: lineNum, Message: "variable expansion failed: " + err.Error()}
		}
		parts[i] = expanded
	}

	p.append(Instruction{
		Kind:     KindExpose,
		Line:     lineNum,
		Original: original,
		Args:     parts,
	})
	return nil
}

func (p *parser) parseShell(rest string, lineNum int, original string) error {
	args, isExec := parseExecOrShellForm(rest)
	if !isExec {
		return &ParseError{
			Line:    lineNum,
			Message: "SHELL must use exec form",
			Hint:    `SHELL ["executable", "arg", ...]`,
		}
	}

	p.append(Instruction{
		Kind:     KindShell,
		Line:     lineNum,
		Original: original,
		Args:     args,
	})
	return nil
}

func (p *parser) append(in Instruction) {
	p.result.Instructions = append(p.result.Instructions, in)
}

func (p *parser) setVar(key, value string) error {
	if _, exists := p.vars[key]; !exists && len(p.vars) >= MaxVariableCount {
		return ErrTooManyVariables
	}
	p.vars[key] = value
	return nil
}

// expandVars is the variable set visible to expansion: plan variables with
// caller overrides layered on top.
func (p *parser) expandVars() map[string]string {
	if len(p.overrides) == 0 {
		return p.vars
	}
	merged := make(map[string]string, len(p.vars)+len(p.overrides))
	for k, v := range p.vars {
		merged[k] = v
	}
	for k, v := range p.overrides {
		merged[k] = v
	}
	return merged
}

// parseFlags extracts --key=value flags from the beginning of a string and
// returns the remainder.
func parseFlags(s string, flags map[string]string) string {
	for {
		s = strings.TrimSpace(s)
		if !strings.HasPrefix(s, "--") {
			break
		}

		spaceIdx := strings.IndexFunc(s, unicode.IsSpace)
		var flag string
		if spaceIdx == -1 {
			flag = s
			s = ""
		} else {
			flag = s[:spaceIdx]
			s = s[spaceIdx+1:]
		}

		flag = strings.TrimPrefix(flag, "--")
		if eq := strings.Index(flag, "="); eq != -1 {
			flags[flag[:eq]] = flag[eq+1:]
		} else {
			flags[flag] = ""
		}
	}

	return s
}

// parseExecOrShellForm parses either exec form ["cmd", "arg"] or shell form
// "cmd arg". Shell form comes back as a single argument to be wrapped with
// the configured shell.
func parseExecOrShellForm(s string) ([]string, bool) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "[") {
		var args []string
		if err := json.Unmarshal([]byte(s), &args); err == nil {
			return args, true
		}
		// invalid JSON falls through to shell form
	}

	if s != "" {
		return []string{s}, false
	}
	return nil, false
}

// parseSpaceSeparatedOrExec parses either exec form ["a", "b"] or
// space-separated arguments. Used for COPY/ADD.
func parseSpaceSeparatedOrExec(s string) []string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "[") {
		var args []string
		if err := json.Unmarshal([]byte(s), &args); err == nil {
			return args
		}
	}

	return strings.Fields(s)
}

// parseKeyValues parses KEY=VALUE pairs for ENV and LABEL. Both the legacy
// "KEY VALUE" form and the modern KEY=VALUE form (with quoting) are accepted.
func parseKeyValues(s string) ([]KeyValue, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	firstSpace := strings.IndexFunc(s, unicode.IsSpace)
	firstEq := strings.Index(s, "=")

	if firstEq == -1 || (firstSpace != -1 && firstSpace < firstEq) {
		// legacy form: KEY VALUE
		parts := strings.SplitN(s, " ", 2)
		if len(parts) == 2 {
			return []KeyValue{{Key: parts[0], Value: strings.TrimSpace(parts[1])}}, nil
		}
		return []KeyValue{{Key: s, Value: ""}}, nil
	}

	var result []KeyValue
	for s != "" {
		s = strings.TrimSpace(s)
		if s == "" {
			break
		}

		eq := strings.Index(s, "=")
		if eq == -1 {
			break
		}

		key := s[:eq]
		s = s[eq+1:]

		var value string
		switch {
		case strings.HasPrefix(s, `"`):
			end := findClosingQuote(s[1:])
			if end == -1 {
				value = s[1:]
				s = ""
			} else {
				value = s[1 : end+1]
				s = s[end+2:]
			}
		case strings.HasPrefix(s, "'"):
			end := strings.Index(s[1:], "'")
			if end == -1 {
				value = s[1:]
				s = ""
			} else {
				value = s[1 : end+1]
				s = s[end+2:]
			}
		default:
			spaceIdx := strings.IndexFunc(s, unicode.IsSpace)
			if spaceIdx == -1 {
				value = s
				s = ""
			} else {
				value = s[:spaceIdx]
				s = s[spaceIdx+1:]
			}
		}

		result = append(result, KeyValue{Key: key, Value: value})
	}

	return result, nil
}

// findClosingQuote finds the index of the closing " in s, handling escapes.
func findClosingQuote(s string) int {
	escaped := false
	for i := 0; i < len(s); i++ {
		if escaped {
			escaped = false
			continue
		}
		switch s[i] {
		case '\\':
			escaped = true
		case '"':
			return i
		}
	}
	return -1
}
