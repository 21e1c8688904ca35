// Package visitor walks rooted trees depth-first under visitor control.
//
// The walk is generic over the node type and knows nothing about the tree
// except how to list a node's children, so the same engine serves read-only
// inspections and visitors that mutate the nodes they visit.
package visitor

import "fmt"

// Result steers the traversal.
type Result int

const (
	// Continue descends into the node's children.
	Continue Result = iota
	// Prune skips the children but goes on with the siblings.
	Prune
	// Terminate stops the whole traversal.
	Terminate
)

func (r Result) String() string {
	switch r {
	case Continue:
		return "continue"
	case Prune:
		return "prune"
	case Terminate:
		return "terminate"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Visitor is called once per node, before the node's children.
// A returned error terminates the traversal and is handed to the caller.
type Visitor[N any] interface {
	Visit(node N) (Result, error)
}

// PostVisitor is implemented by visitors that also want to see a node after
// its children. Only Terminate and errors have an effect there.
type PostVisitor[N any] interface {
	Leave(node N) (Result, error)
}

// Func adapts a plain function to the Visitor interface.
type Func[N any] func(node N) (Result, error)

func (f Func[N]) Visit(node N) (Result, error) {
	return f(node)
}

// Children lists a node's children in traversal order.
type Children[N any] func(node N) []N

type walk[N any] struct {
	children Children[N]
	visitor  Visitor[N]
	post     PostVisitor[N]
	cont     bool
}

// Walk traverses the tree under root. The result is Terminate if any node
// terminated (or a visitor failed), otherwise Prune if no node below the
// root returned Continue, otherwise Continue.
func Walk[N any](root N, children Children[N], v Visitor[N]) (Result, error) {
	return WalkForest([]N{root}, children, v)
}

// WalkForest traverses several trees in order. The result follows Walk,
// with every tree's root counting as a root.
func WalkForest[N any](roots []N, children Children[N], v Visitor[N]) (Result, error) {
	w := walk[N]{children: children, visitor: v}
	w.post, _ = v.(PostVisitor[N])
	for _, root := range roots {
		if res, err := w.node(root, 0); res == Terminate || err != nil {
			return Terminate, err
		}
	}
	if w.cont {
		return Continue, nil
	}
	return Prune, nil
}

func (w *walk[N]) node(n N, depth int) (Result, error) {
	res, err := w.visitor.Visit(n)
	if err != nil {
		return Terminate, err
	}
	switch res {
	case Terminate:
		return Terminate, nil
	case Prune:
		return Prune, nil
	case Continue:
		if depth > 0 {
			w.cont = true
		}
	default:
		return Terminate, fmt.Errorf("visitor returned %s", res)
	}
	for _, child := range w.children(n) {
		if res, err := w.node(child, depth+1); res == Terminate || err != nil {
			return Terminate, err
		}
	}
	if w.post != nil {
		res, err := w.post.Leave(n)
		if err != nil || res == Terminate {
			return Terminate, err
		}
	}
	return Continue, nil
}
