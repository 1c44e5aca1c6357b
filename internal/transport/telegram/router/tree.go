package router

import (
	"sort"
	"strings"
)

type cmdNode struct {
	name     string
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode { return &cmdNode{children: map[string]*cmdNode{}} }

func splitRoute(route string) []string { return strings.Fields(route) }

func (n *cmdNode) add(route []string, c Command) *cmdNode {
	cur := n
	for _, tok := range route {
		next, ok := cur.children[tok]
		if !ok {
			next = &cmdNode{name: tok, children: map[string]*cmdNode{}}
			cur.children[tok] = next
		}
		cur = next
	}
	cur.cmd = &c
	return cur
}

func (n *cmdNode) child(name string) (*cmdNode, bool) {
	c, ok := n.children[strings.ToLower(name)]
	return c, ok
}

func (n *cmdNode) childNames() []string {
	out := make([]string, 0, len(n.children))
	for k := range n.children {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// walk resolves as many leading args as possible into the tree and returns
// the deepest node with the consumed path and the remaining args.
func (n *cmdNode) walk(args []string) (*cmdNode, []string, []string) {
	cur := n
	var path []string
	for len(args) > 0 {
		next, ok := cur.child(args[0])
		if !ok {
			break
		}
		cur = next
		path = append(path, next.name)
		args = args[1:]
	}
	return cur, path, args
}
