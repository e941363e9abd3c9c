package concourse

import (
	"sort"
	"strings"
)

// quote wraps s in single quotes for bash, escaping embedded quotes.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// commandLine joins a binary and its arguments into a bash command line,
// quoting every argument.
func commandLine(bin string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, bin)
	for _, a := range args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

// varArgs renders pipeline variables as repeated --var key=value flags,
// sorted by key so the command line is deterministic.
func varArgs(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "--var", k+"="+vars[k])
	}
	return args
}
