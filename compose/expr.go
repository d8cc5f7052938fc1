package compose

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/edisonhq/edison/fsio"
)

// exprEnv supplies the facts conditional expressions test against.
type exprEnv struct {
	truthy     func(path string) bool
	configVal  func(path string) (string, bool)
	hasPack    func(name string) bool
	environ    func(name string) string
	projectDir string
}

// evalExpr evaluates the conditional grammar:
//
//	has-pack(name) | config(path) | config-eq(path,value) | env(NAME) |
//	file-exists(path) | not(e) | and(a,b) | or(a,b)
//
// Arguments to the leaf predicates are raw strings; and/or/not nest.
func evalExpr(expr string, env *exprEnv) (bool, error) {
	expr = strings.TrimSpace(expr)
	name, args, err := splitCall(expr)
	if err != nil {
		return false, err
	}

	switch name {
	case "has-pack":
		if len(args) != 1 {
			return false, exprErr(expr, "has-pack takes one argument")
		}
		return env.hasPack(strings.TrimSpace(args[0])), nil
	case "config":
		if len(args) != 1 {
			return false, exprErr(expr, "config takes one argument")
		}
		return env.truthy(strings.TrimSpace(args[0])), nil
	case "config-eq":
		if len(args) != 2 {
			return false, exprErr(expr, "config-eq takes two arguments")
		}
		val, ok := env.configVal(strings.TrimSpace(args[0]))
		return ok && val == strings.TrimSpace(args[1]), nil
	case "env":
		if len(args) != 1 {
			return false, exprErr(expr, "env takes one argument")
		}
		return env.environ(strings.TrimSpace(args[0])) != "", nil
	case "file-exists":
		if len(args) != 1 {
			return false, exprErr(expr, "file-exists takes one argument")
		}
		path := strings.TrimSpace(args[0])
		if !filepath.IsAbs(path) {
			path = filepath.Join(env.projectDir, path)
		}
		return fsio.FileExists(path), nil
	case "not":
		if len(args) != 1 {
			return false, exprErr(expr, "not takes one argument")
		}
		inner, err := evalExpr(args[0], env)
		return !inner, err
	case "and":
		if len(args) != 2 {
			return false, exprErr(expr, "and takes two arguments")
		}
		left, err := evalExpr(args[0], env)
		if err != nil {
			return false, err
		}
		if !left {
			return false, nil
		}
		return evalExpr(args[1], env)
	case "or":
		if len(args) != 2 {
			return false, exprErr(expr, "or takes two arguments")
		}
		left, err := evalExpr(args[0], env)
		if err != nil {
			return false, err
		}
		if left {
			return true, nil
		}
		return evalExpr(args[1], env)
	default:
		return false, exprErr(expr, "unknown predicate %q", name)
	}
}

// splitCall parses name(arg1,arg2,...) splitting arguments at top-level
// commas only, so nested calls stay intact.
func splitCall(expr string) (string, []string, error) {
	open := strings.IndexByte(expr, '(')
	if open < 0 || !strings.HasSuffix(expr, ")") {
		return "", nil, exprErr(expr, "expected predicate(...)")
	}
	name := strings.TrimSpace(expr[:open])
	inner := expr[open+1 : len(expr)-1]

	var args []string
	depth := 0
	start := 0
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return "", nil, exprErr(expr, "unbalanced parentheses")
			}
		case ',':
			if depth == 0 {
				args = append(args, inner[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return "", nil, exprErr(expr, "unbalanced parentheses")
	}
	if strings.TrimSpace(inner) != "" || len(args) > 0 {
		args = append(args, inner[start:])
	}
	return name, args, nil
}

func exprErr(expr, format string, a ...any) error {
	return fmt.Errorf("conditional %q: %s", expr, fmt.Sprintf(format, a...))
}
