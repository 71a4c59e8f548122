package fxgraph

import (
	"bytes"
	"fmt"
	"strings"
)

// String implements fmt.Stringer, and pretty prints the graph, one node per
// line in graph order.
func (g *Graph) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}

	var phNames []string
	for _, ph := range g.Placeholders() {
		phNames = append(phNames, "%"+ph.Name)
	}
	w("graph(%s):\n", strings.Join(phNames, ", "))
	for _, n := range g.nodes {
		switch n.Target {
		case OpPlaceholder:
			continue
		case OpOutput:
			w("\treturn %s\n", n.Args[0])
		default:
			w("\t%%%s = %s(%s)\n", n.Name, n.Target, formatArgs(n.Args))
		}
	}
	return buf.String()
}

// String implements fmt.Stringer for a single argument.
func (a Arg) String() string {
	switch {
	case a.IsNode():
		return "%" + a.Node.Name
	case a.IsNone():
		return "none"
	default:
		return fmt.Sprintf("%v", a.Lit)
	}
}

func formatArgs(args []Arg) string {
	parts := make([]string, len(args))
	for ii, arg := range args {
		parts[ii] = arg.String()
	}
	return strings.Join(parts, ", ")
}
