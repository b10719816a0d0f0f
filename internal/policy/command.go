package policy

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ErrUnresolvedCommand is returned by Programs when a program cannot be named
// without running the shell.
var ErrUnresolvedCommand = errors.New("command cannot be resolved statically")

const maxNesting = 8

var commandWrappers = map[string]bool{
	"env":     true,
	"exec":    true,
	"nohup":   true,
	"nice":    true,
	"time":    true,
	"command": true,
	"xargs":   true,
	"builtin": true,
	"timeout": true,
	"stdbuf":  true,
}

var shells = map[string]bool{
	"sh":   true,
	"bash": true,
	"dash": true,
	"zsh":  true,
	"ksh":  true,
	"ash":  true,
}

var findExec = map[string]bool{
	"-exec":    true,
	"-execdir": true,
	"-ok":      true,
	"-okdir":   true,
}

// Programs returns the program names invoked by a shell command line, in
// order of appearance, with wrappers and variable assignments skipped.
// Command strings given to sh -c, bash -c and eval and the commands of
// find -exec are included.
func Programs(command string) ([]string, error) {
	var ret []string
	if err := programs(command, 0, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func programs(command string, depth int, out *[]string) error {
	if depth > maxNesting {
		return fmt.Errorf("%w: nested more than %d levels", ErrUnresolvedCommand, maxNesting)
	}
	file, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).
		Parse(strings.NewReader(command), "")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnresolvedCommand, err)
	}
	syntax.Walk(file, func(node syntax.Node) bool {
		if err != nil {
			return false
		}
		if call, ok := node.(*syntax.CallExpr); ok && len(call.Args) > 0 {
			err = callPrograms(call.Args, depth, out)
		}
		// command substitutions in arguments are calls too
		return true
	})
	return err
}

func callPrograms(words []*syntax.Word, depth int, out *[]string) error {
	for len(words) > 0 {
		name, ok := literal(words[0])
		if !ok {
			return fmt.Errorf("%w: program name at %s", ErrUnresolvedCommand, words[0].Pos())
		}
		name = filepath.Base(name)
		args := words[1:]
		if commandWrappers[name] {
			words = skipWrapperArgs(args)
			continue
		}
		*out = append(*out, name)

		switch {
		case shells[name]:
			return shellPrograms(args, depth, out)
		case name == "eval":
			parts := make([]string, 0, len(args))
			for _, arg := range args {
				part, ok := literal(arg)
				if !ok {
					return fmt.Errorf("%w: eval argument at %s", ErrUnresolvedCommand, arg.Pos())
				}
				parts = append(parts, part)
			}
			return programs(strings.Join(parts, " "), depth+1, out)
		case name == "find":
			for i, arg := range args {
				flag, ok := literal(arg)
				if !ok || !findExec[flag] {
					continue
				}
				if i+1 < len(args) {
					return callPrograms(args[i+1:], depth, out)
				}
			}
		}
		return nil
	}
	return nil
}

// shellPrograms resolves the arguments of a shell invocation. A shell that
// reads commands from stdin or from a non-literal word cannot be resolved.
func shellPrograms(args []*syntax.Word, depth int, out *[]string) error {
	for i := 0; i < len(args); i++ {
		word, ok := literal(args[i])
		if !ok {
			return fmt.Errorf("%w: shell argument at %s", ErrUnresolvedCommand, args[i].Pos())
		}
		switch {
		case word == "-s":
			return fmt.Errorf("%w: shell reads commands from stdin", ErrUnresolvedCommand)
		case word == "-o" || word == "+o" || word == "-O" || word == "+O":
			i++
		case strings.HasPrefix(word, "--") || strings.HasPrefix(word, "+"):
		case strings.HasPrefix(word, "-") && strings.ContainsRune(word, 'c'):
			if i+1 >= len(args) {
				return fmt.Errorf("%w: %s without a command string", ErrUnresolvedCommand, word)
			}
			script, ok := literal(args[i+1])
			if !ok {
				return fmt.Errorf("%w: shell command string at %s", ErrUnresolvedCommand, args[i+1].Pos())
			}
			return programs(script, depth+1, out)
		case strings.HasPrefix(word, "-") && word != "-":
		default:
			// script file
			return nil
		}
	}
	return fmt.Errorf("%w: shell reads commands from stdin", ErrUnresolvedCommand)
}

// skipWrapperArgs drops the options, assignments and numeric arguments that
// follow a wrapper such as env or nice.
func skipWrapperArgs(words []*syntax.Word) []*syntax.Word {
	for len(words) > 0 {
		word, ok := literal(words[0])
		if !ok {
			break
		}
		if !strings.HasPrefix(word, "-") && !isAssignment(word) && !isNumeric(word) {
			break
		}
		words = words[1:]
	}
	return words
}

// literal returns the value of a word made only of literal and quoted text.
// Expansions, globs and braces are not literal.
func literal(word *syntax.Word) (string, bool) {
	var b strings.Builder
	for _, part := range word.Parts {
		switch part := part.(type) {
		case *syntax.Lit:
			value, ok := unquoted(part.Value)
			if !ok {
				return "", false
			}
			b.WriteString(value)
		case *syntax.SglQuoted:
			if part.Dollar {
				return "", false
			}
			b.WriteString(part.Value)
		case *syntax.DblQuoted:
			if part.Dollar {
				return "", false
			}
			for _, inner := range part.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return "", false
				}
				b.WriteString(doubleQuoted(lit.Value))
			}
		default:
			return "", false
		}
	}
	return b.String(), true
}

func unquoted(value string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch c {
		case '\\':
			i++
			if i < len(value) && value[i] != '\n' {
				b.WriteByte(value[i])
			}
			continue
		case '*', '?', '[', '{', '~':
			return "", false
		}
		b.WriteByte(c)
	}
	return b.String(), true
}

func doubleQuoted(value string) string {
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == '\\' && i+1 < len(value) && strings.IndexByte("$`\"\\\n", value[i+1]) >= 0 {
			i++
			if value[i] != '\n' {
				b.WriteByte(value[i])
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isAssignment(word string) bool {
	i := strings.IndexByte(word, '=')
	if i <= 0 {
		return false
	}
	return !strings.ContainsAny(word[:i], "/.")
}

func isNumeric(word string) bool {
	return word != "" && strings.Trim(word, "0123456789") == ""
}
