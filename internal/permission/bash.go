package permission

import (
	"fmt"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// BashCommand is one simple command from a shell line.
type BashCommand struct {
	Name       string
	Args       []string
	Subcommand string // first non-flag argument, e.g. "commit" in "git commit"
}

// String joins the command back into a single space separated line.
func (c BashCommand) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// ParseBashCommand splits a shell line into its simple commands. Pipelines,
// lists and subshells are flattened.
func ParseBashCommand(command string) ([]BashCommand, error) {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(false))

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}

	var commands []BashCommand
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if cmd, ok := callToCommand(call); ok {
				commands = append(commands, cmd)
			}
		}
		return true
	})
	return commands, nil
}

func callToCommand(call *syntax.CallExpr) (BashCommand, bool) {
	if len(call.Args) == 0 {
		return BashCommand{}, false
	}
	cmd := BashCommand{Name: literal(call.Args[0])}
	if cmd.Name == "" {
		return BashCommand{}, false
	}
	for _, w := range call.Args[1:] {
		arg := literal(w)
		cmd.Args = append(cmd.Args, arg)
		if cmd.Subcommand == "" && !strings.HasPrefix(arg, "-") {
			cmd.Subcommand = arg
		}
	}
	return cmd, true
}

// literal renders a word with expansions replaced by placeholders, so that
// a rule can never match text that is only known at run time.
func literal(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				} else {
					sb.WriteString("$")
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// dangerousCommands are never remembered as session approvals.
var dangerousCommands = map[string]bool{
	"rm":    true,
	"rmdir": true,
	"mv":    true,
	"cp":    true,
	"dd":    true,
	"chmod": true,
	"chown": true,
	"sudo":  true,
	"curl":  true,
	"wget":  true,
}

// IsDangerousCommand reports whether approvals for name must not be reused.
func IsDangerousCommand(name string) bool {
	return dangerousCommands[name]
}

// IsWithinDir reports whether path is dir or lies below it.
func IsWithinDir(path, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
