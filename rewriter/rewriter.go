// Package rewriter implements structural subgraph matching and replacement
// over fxgraph graphs.
//
// A pattern graph and its replacement are both expressed as traced graphs over
// the same placeholder signature: placeholder ii of the pattern corresponds to
// placeholder ii of the replacement. Matching is anchored at the node feeding
// the pattern's output and proceeds backwards, structurally: placeholders are
// wildcards that bind to whatever fills the corresponding host argument slot
// (a node, a literal, or nothing), and literal constants are ignored when
// ignoreLiterals is set.
//
// Matches accepted within one MatchAndReplace call never overlap: host nodes
// claimed by an accepted match (and nodes inserted for its replacement) are
// excluded from subsequent matching. Each accepted match's subgraph is
// physically removed from the host and replaced.
package rewriter

import (
	"reflect"

	"github.com/gomlx/exceptions"

	"github.com/gomlx/fxquant/fxgraph"
)

// Match maps each pattern node to the host node it was matched against.
// Placeholder entries are nil when the corresponding host argument slot was a
// literal or absent (e.g. a missing optional bias).
type Match struct {
	// NodesMap maps pattern nodes (placeholders included) to host nodes.
	NodesMap map[*fxgraph.Node]*fxgraph.Node

	hostAnchor *fxgraph.Node                 // host node matched against the pattern's output argument.
	phArgs     map[*fxgraph.Node]fxgraph.Arg // placeholder → host argument slot it bound to.
	hostOps    []*fxgraph.Node               // host nodes matched by non-placeholder pattern nodes, graph order.
}

// MatchFilter accepts or rejects a structurally valid match based on semantic
// properties not visible to structural matching.
type MatchFilter func(m *Match) bool

// ReplacementResult describes one committed replacement: the match it came
// from and the newly inserted nodes that replaced the matched outputs.
type ReplacementResult struct {
	Match        *Match
	Replacements []*fxgraph.Node
}

// MatchAndReplace finds non-overlapping occurrences of pattern in host that
// pass all filters and replaces each with replacement, rewiring consumers and
// physically removing the matched subgraph. It returns one ReplacementResult
// per committed replacement.
//
// Pattern and replacement must have the same number of placeholders. Panics on
// contract violations (malformed pattern, matched subgraph that cannot be
// removed); these indicate a pattern/library mismatch, not bad user input.
func MatchAndReplace(host, pattern, replacement *fxgraph.Graph,
	filters []MatchFilter, ignoreLiterals bool) []ReplacementResult {
	patternAnchor := outputAnchor(pattern)
	patternPHs := pattern.Placeholders()
	replPHs := replacement.Placeholders()
	if len(replPHs) != len(patternPHs) {
		exceptions.Panicf("rewriter: pattern has %d placeholders but replacement has %d",
			len(patternPHs), len(replPHs))
	}

	claimed := make(map[*fxgraph.Node]bool)
	rejected := make(map[*fxgraph.Node]bool)
	var results []ReplacementResult
	for {
		m := findMatch(host, patternAnchor, ignoreLiterals, claimed, rejected)
		if m == nil {
			break
		}
		if !passesFilters(m, filters) {
			rejected[m.hostAnchor] = true
			continue
		}
		for _, hn := range m.hostOps {
			claimed[hn] = true
		}
		replacements, inserted := applyReplacement(host, replacement, m, patternPHs, replPHs)
		for _, nn := range inserted {
			claimed[nn] = true
		}
		results = append(results, ReplacementResult{Match: m, Replacements: replacements})
	}
	return results
}

// outputAnchor returns the node feeding the graph's output.
func outputAnchor(g *fxgraph.Graph) *fxgraph.Node {
	arg := g.Output().Args[0]
	if !arg.IsNode() {
		exceptions.Panicf("rewriter: pattern output is not a node")
	}
	return arg.Node
}

func passesFilters(m *Match, filters []MatchFilter) bool {
	for _, filter := range filters {
		if !filter(m) {
			return false
		}
	}
	return true
}

// findMatch scans host nodes in graph order for the first match of the pattern
// whose anchor is neither claimed nor previously rejected, and whose matched
// nodes do not overlap an earlier accepted match.
func findMatch(host *fxgraph.Graph, patternAnchor *fxgraph.Node,
	ignoreLiterals bool, claimed, rejected map[*fxgraph.Node]bool) *Match {
candidates:
	for _, hn := range host.Nodes() {
		if hn.Target != patternAnchor.Target || claimed[hn] || rejected[hn] {
			continue
		}
		attempt := &matchAttempt{
			ignoreLiterals: ignoreLiterals,
			nodesMap:       make(map[*fxgraph.Node]*fxgraph.Node),
			phArgs:         make(map[*fxgraph.Node]fxgraph.Arg),
			hostToPattern:  make(map[*fxgraph.Node]*fxgraph.Node),
		}
		if !attempt.matchNode(patternAnchor, hn) {
			continue
		}
		for mapped := range attempt.hostToPattern {
			if claimed[mapped] {
				continue candidates
			}
		}
		if !attempt.internalUsesOnly(hn) {
			continue
		}
		return attempt.finish(host, hn)
	}
	return nil
}

// matchAttempt holds the state of matching the pattern against one candidate
// anchor. Attempts are discarded wholesale on failure; no backtracking is
// needed because argument correspondence is positional and deterministic.
type matchAttempt struct {
	ignoreLiterals bool
	nodesMap       map[*fxgraph.Node]*fxgraph.Node
	phArgs         map[*fxgraph.Node]fxgraph.Arg
	hostToPattern  map[*fxgraph.Node]*fxgraph.Node // non-placeholder matches only, for injectivity.
}

func (a *matchAttempt) matchNode(pn, hn *fxgraph.Node) bool {
	if prev, ok := a.nodesMap[pn]; ok {
		return prev == hn
	}
	if pn.Target == fxgraph.OpPlaceholder {
		return a.bindPlaceholder(pn, fxgraph.NodeArg(hn))
	}
	if pn.Target != hn.Target || len(pn.Args) != len(hn.Args) {
		return false
	}
	if other, ok := a.hostToPattern[hn]; ok && other != pn {
		return false
	}
	a.nodesMap[pn] = hn
	a.hostToPattern[hn] = pn
	for ii := range pn.Args {
		if !a.matchArg(pn.Args[ii], hn.Args[ii]) {
			return false
		}
	}
	return true
}

func (a *matchAttempt) matchArg(pa, ha fxgraph.Arg) bool {
	switch {
	case pa.IsNode() && pa.Node.Target == fxgraph.OpPlaceholder:
		return a.bindPlaceholder(pa.Node, ha)
	case pa.IsNode():
		return ha.IsNode() && a.matchNode(pa.Node, ha.Node)
	case pa.IsNone():
		return ha.IsNone()
	default: // Literal.
		if ha.IsNode() || ha.IsNone() {
			return false
		}
		return a.ignoreLiterals || reflect.DeepEqual(pa.Lit, ha.Lit)
	}
}

// bindPlaceholder binds a pattern placeholder to a host argument slot. A
// placeholder may bind to a node, a literal, or nothing (absent optional
// argument); repeated uses must bind to the same thing.
func (a *matchAttempt) bindPlaceholder(pn *fxgraph.Node, ha fxgraph.Arg) bool {
	if prev, ok := a.phArgs[pn]; ok {
		if prev.Node != ha.Node {
			return false
		}
		if prev.Node == nil && !reflect.DeepEqual(prev.Lit, ha.Lit) {
			return false
		}
		return true
	}
	a.phArgs[pn] = ha
	a.nodesMap[pn] = ha.Node // nil when bound to a literal or nothing.
	return true
}

// internalUsesOnly checks that every matched host node other than the anchor
// is consumed only inside the match: otherwise removing the subgraph would
// orphan an external consumer.
func (a *matchAttempt) internalUsesOnly(hostAnchor *fxgraph.Node) bool {
	for hn := range a.hostToPattern {
		if hn == hostAnchor {
			continue
		}
		for _, user := range hn.Users() {
			if _, inside := a.hostToPattern[user]; !inside {
				return false
			}
		}
	}
	return true
}

// finish freezes the attempt into a Match, ordering matched host ops by their
// position in the host graph.
func (a *matchAttempt) finish(host *fxgraph.Graph, hostAnchor *fxgraph.Node) *Match {
	var hostOps []*fxgraph.Node
	for _, hn := range host.Nodes() {
		if _, ok := a.hostToPattern[hn]; ok {
			hostOps = append(hostOps, hn)
		}
	}
	return &Match{
		NodesMap:   a.nodesMap,
		hostAnchor: hostAnchor,
		phArgs:     a.phArgs,
		hostOps:    hostOps,
	}
}

// applyReplacement inserts a copy of the replacement graph into host, rewires
// the consumers of the matched anchor to the replacement output, and erases
// the matched subgraph. Returns the nodes replacing the matched outputs plus
// every inserted node.
func applyReplacement(host, replacement *fxgraph.Graph, m *Match,
	patternPHs, replPHs []*fxgraph.Node) (replacements, inserted []*fxgraph.Node) {
	// Bind replacement placeholders to the host argument slots captured by the
	// corresponding pattern placeholders.
	valueMap := make(map[*fxgraph.Node]fxgraph.Arg, replacement.NumNodes())
	for ii, rph := range replPHs {
		valueMap[rph] = m.phArgs[patternPHs[ii]]
	}

	for _, rn := range replacement.Nodes() {
		if rn.Target == fxgraph.OpPlaceholder || rn.Target == fxgraph.OpOutput {
			continue
		}
		args := make([]fxgraph.Arg, len(rn.Args))
		for ii, arg := range rn.Args {
			if arg.IsNode() {
				mapped, ok := valueMap[arg.Node]
				if !ok {
					exceptions.Panicf("rewriter: replacement node %q references %q before it was inserted",
						rn.Name, arg.Node.Name)
				}
				args[ii] = mapped
			} else {
				args[ii] = arg
			}
		}
		nn := host.InsertBefore(m.hostAnchor, rn.Target, args...)
		valueMap[rn] = fxgraph.NodeArg(nn)
		inserted = append(inserted, nn)
	}

	replOutArg := replacement.Output().Args[0]
	if !replOutArg.IsNode() {
		exceptions.Panicf("rewriter: replacement output is not a node")
	}
	newAnchor := valueMap[replOutArg.Node].Node
	host.ReplaceAllUses(m.hostAnchor, newAnchor)

	// Erase the matched subgraph, consumers first.
	for ii := len(m.hostOps) - 1; ii >= 0; ii-- {
		hn := m.hostOps[ii]
		if hn.NumUsers() > 0 {
			exceptions.Panicf("rewriter: matched node %q still has users after replacement", hn.Name)
		}
		host.Erase(hn)
	}
	return []*fxgraph.Node{newAnchor}, inserted
}
