package storage

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// positional matches ":N" placeholders preceded by "(", ",", "=" or whitespace
var positional = regexp.MustCompile(`([(,=\s]):([0-9]+)`)

// maxArgLen caps how much of each bound argument is kept for diagnostics
const maxArgLen = 40

// bind rewrites ":N" placeholders into the native "?" form, reordering and
// duplicating args to match. Queries without ":N" placeholders are returned
// untouched.
func bind(query string, args []any) (string, []any, error) {
	matches := positional.FindAllStringSubmatchIndex(query, -1)
	if len(matches) == 0 {
		return query, args, nil
	}

	bound := make([]any, 0, len(matches))
	out := make([]byte, 0, len(query))
	last := 0
	for _, m := range matches {
		// m[2]:m[3] is the prefix char, m[4]:m[5] the index digits
		n, err := strconv.Atoi(query[m[4]:m[5]])
		if err != nil || n < 1 || n > len(args) {
			return "", nil, fmt.Errorf("%w: placeholder :%s has no argument (%d given)",
				ErrInvalidArgument, query[m[4]:m[5]], len(args))
		}
		out = append(out, query[last:m[3]]...)
		out = append(out, '?')
		last = m[1]
		bound = append(bound, args[n-1])
	}
	out = append(out, query[last:]...)
	return string(out), bound, nil
}

// Statement is the last SQL executed and its rendered arguments
type Statement struct {
	SQL  string
	Args []string
}

func newStatement(query string, args []any) Statement {
	rendered := make([]string, len(args))
	for i, arg := range args {
		rendered[i] = trimArg(renderArg(arg))
	}
	return Statement{SQL: query, Args: rendered}
}

func renderArg(arg any) string {
	switch v := arg.(type) {
	case nil:
		return "NULL"
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case *time.Time:
		if v == nil {
			return "NULL"
		}
		return v.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

func trimArg(s string) string {
	if len(s) > maxArgLen {
		return s[:maxArgLen] + "..."
	}
	return s
}
