// Package template substitutes "{{…}}" expressions embedded in rule-authored
// JSON trees (response bodies, stream items) against the request, metadata,
// and stream context of the call being served.
package template

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/protoforge/mockgrpc/pkg/matcher"
)

// Context is the evaluation environment for one {{…}} expression: the
// decoded request, normalized (lower-cased) metadata, and optional stream
// position/aggregate fields.
type Context struct {
	Request  any
	Metadata map[string]string
	Stream   *matcher.StreamContext
}

func (c Context) root() map[string]any {
	return matcher.Root(c.Request, c.Metadata, c.Stream)
}

var exprPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Render walks a JSON tree (map[string]any / []any / scalars, as produced by
// encoding/json or a RuleDoc's Body/StreamItems), substituting every
// "{{expr}}" found in string leaves. Non-string leaves are returned
// unchanged. On any evaluation error for a given expression the original
// "{{…}}" source text is preserved rather than propagating the error — the
// renderer never fails a whole response over one bad expression.
func Render(node any, ctx Context) any {
	switch v := node.(type) {
	case string:
		return renderString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = Render(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = Render(val, ctx)
		}
		return out
	default:
		return node
	}
}

func renderString(s string, ctx Context) string {
	return exprPattern.ReplaceAllStringFunc(s, func(match string) string {
		inner := strings.TrimSpace(match[2 : len(match)-2])
		out, err := evaluate(inner, ctx)
		if err != nil {
			return match
		}
		return out
	})
}

// evaluate dispatches a single expression: a function call (utils.xxx(...))
// or a bare/rooted identifier path (request.foo, metadata.x, stream.index).
func evaluate(expr string, ctx Context) (string, error) {
	if name, args, ok := parseCall(expr); ok {
		return callFunction(name, args, ctx)
	}
	return resolvePath(expr, ctx)
}

func resolvePath(path string, ctx Context) (string, error) {
	root := ctx.root()
	if v, found := matcher.Resolve(path, root); found {
		return stringify(v), nil
	}

	// A bare path with no "request."/"metadata."/"stream." prefix resolves
	// against {request, metadata} in turn.
	if !strings.HasPrefix(path, "request.") && !strings.HasPrefix(path, "metadata.") && !strings.HasPrefix(path, "stream.") {
		if v, found := matcher.Resolve("request."+path, root); found {
			return stringify(v), nil
		}
		if v, found := matcher.Resolve("metadata."+path, root); found {
			return stringify(v), nil
		}
	}

	return "", fmt.Errorf("template: unresolved path %q", path)
}

// parseCall recognizes "name(arg1, arg2, ...)" while respecting quoted
// strings and nested parentheses in argument text: commas inside either are
// never treated as argument separators.
func parseCall(expr string) (name string, args []string, ok bool) {
	open := strings.IndexByte(expr, '(')
	if open < 0 || !strings.HasSuffix(expr, ")") {
		return "", nil, false
	}
	name = strings.TrimSpace(expr[:open])
	if name == "" {
		return "", nil, false
	}
	argsText := expr[open+1 : len(expr)-1]
	return name, splitArgs(argsText), true
}

func splitArgs(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var args []string
	var cur strings.Builder
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			cur.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
			cur.WriteByte(c)
		case c == '(':
			depth++
			cur.WriteByte(c)
		case c == ')':
			depth--
			cur.WriteByte(c)
		case c == ',' && depth == 0:
			args = append(args, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	args = append(args, strings.TrimSpace(cur.String()))
	return args
}

// callFunction evaluates one of the utils.* builtins.
func callFunction(name string, args []string, ctx Context) (string, error) {
	switch name {
	case "utils.now":
		return time.Now().UTC().Format(time.RFC3339), nil

	case "utils.uuid":
		return uuid.NewString(), nil

	case "utils.random":
		if len(args) != 2 {
			return "", fmt.Errorf("template: utils.random wants 2 args, got %d", len(args))
		}
		min, err := argInt(args[0], ctx)
		if err != nil {
			return "", err
		}
		max, err := argInt(args[1], ctx)
		if err != nil {
			return "", err
		}
		if min > max {
			return "", fmt.Errorf("template: utils.random(%d,%d): min > max", min, max)
		}
		return strconv.Itoa(min + rand.IntN(max-min+1)), nil

	case "utils.format":
		if len(args) == 0 {
			return "", fmt.Errorf("template: utils.format wants at least 1 arg")
		}
		format, err := argString(args[0], ctx)
		if err != nil {
			return "", err
		}
		rest := make([]any, 0, len(args)-1)
		for _, a := range args[1:] {
			s, err := argString(a, ctx)
			if err != nil {
				return "", err
			}
			rest = append(rest, s)
		}
		return fmt.Sprintf(format, rest...), nil

	default:
		return "", fmt.Errorf("template: unknown function %q", name)
	}
}

// argValue evaluates one call argument: a quoted string literal, a numeric
// or boolean literal, or a nested expression (path or function call).
func argValue(arg string, ctx Context) (string, error) {
	if len(arg) >= 2 {
		if (arg[0] == '"' && arg[len(arg)-1] == '"') || (arg[0] == '\'' && arg[len(arg)-1] == '\'') {
			return arg[1 : len(arg)-1], nil
		}
	}
	if _, err := strconv.ParseFloat(arg, 64); err == nil {
		return arg, nil
	}
	if arg == "true" || arg == "false" {
		return arg, nil
	}
	return evaluate(arg, ctx)
}

func argString(arg string, ctx Context) (string, error) { return argValue(arg, ctx) }

func argInt(arg string, ctx Context) (int, error) {
	s, err := argValue(arg, ctx)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("template: %q is not an integer: %w", arg, err)
	}
	return n, nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
