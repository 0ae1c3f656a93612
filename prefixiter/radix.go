package prefixiter

import (
	"bytes"
	"sort"
)

// RadixTree is an in-memory Set. Each tree level branches on one path
// component; children are kept sorted so traversal yields lexicographic
// path order.
type RadixTree struct {
	root *radixNode
}

type radixNode struct {
	children []radixChild // sorted by component
	value    []byte
	hasValue bool
}

type radixChild struct {
	comp []byte
	node *radixNode
}

// NewRadixTree creates an empty tree.
func NewRadixTree() *RadixTree {
	return &RadixTree{root: &radixNode{}}
}

// find locates the child slot for comp; ok reports an exact match.
func (n *radixNode) find(comp []byte) (int, bool) {
	i := sort.Search(len(n.children), func(i int) bool {
		return bytes.Compare(n.children[i].comp, comp) >= 0
	})
	return i, i < len(n.children) && bytes.Equal(n.children[i].comp, comp)
}

func (t *RadixTree) Insert(path [][]byte, value []byte) error {
	n := t.root
	for _, comp := range path {
		i, ok := n.find(comp)
		if !ok {
			child := radixChild{comp: append([]byte(nil), comp...), node: &radixNode{}}
			n.children = append(n.children, radixChild{})
			copy(n.children[i+1:], n.children[i:])
			n.children[i] = child
		}
		n = n.children[i].node
	}
	n.value = append([]byte(nil), value...)
	n.hasValue = true
	return nil
}

func (t *RadixTree) Remove(path [][]byte) (bool, error) {
	return t.remove(t.root, path), nil
}

// remove unsets the value at path and prunes nodes left with neither value
// nor children.
func (t *RadixTree) remove(n *radixNode, path [][]byte) bool {
	if len(path) == 0 {
		if !n.hasValue {
			return false
		}
		n.hasValue = false
		n.value = nil
		return true
	}
	i, ok := n.find(path[0])
	if !ok {
		return false
	}
	child := n.children[i].node
	existed := t.remove(child, path[1:])
	if existed && !child.hasValue && len(child.children) == 0 {
		n.children = append(n.children[:i], n.children[i+1:]...)
	}
	return existed
}

func (t *RadixTree) PrefixesOf(path [][]byte) Iterator {
	// Collect the value-bearing nodes on the walk down; the list is bounded
	// by the component count.
	var items []radixItem
	n := t.root
	if n.hasValue {
		items = append(items, radixItem{path: nil, value: n.value})
	}
	for i, comp := range path {
		idx, ok := n.find(comp)
		if !ok {
			break
		}
		n = n.children[idx].node
		if n.hasValue {
			items = append(items, radixItem{path: clonePath(path[:i+1]), value: n.value})
		}
	}
	return &radixSliceIterator{items: items, pos: -1}
}

func (t *RadixTree) PrefixedBy(path [][]byte) Iterator {
	n := t.root
	for _, comp := range path {
		idx, ok := n.find(comp)
		if !ok {
			return &radixSliceIterator{pos: -1}
		}
		n = n.children[idx].node
	}
	return &radixWalkIterator{stack: []radixFrame{{node: n, path: clonePath(path)}}}
}

type radixItem struct {
	path  [][]byte
	value []byte
}

type radixSliceIterator struct {
	items []radixItem
	pos   int
}

func (it *radixSliceIterator) Next() bool {
	it.pos++
	return it.pos < len(it.items)
}

func (it *radixSliceIterator) Path() [][]byte {
	if it.pos < 0 || it.pos >= len(it.items) {
		return nil
	}
	return it.items[it.pos].path
}

func (it *radixSliceIterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.items) {
		return nil
	}
	return it.items[it.pos].value
}

func (it *radixSliceIterator) Error() error { return nil }
func (it *radixSliceIterator) Release()     {}

// radixWalkIterator performs a lazy preorder walk: a node is yielded before
// its children, and children in component order, which is exactly
// lexicographic path order with shorter paths first.
type radixFrame struct {
	node *radixNode
	path [][]byte
	next int // next child index to descend into
	done bool // node's own value already yielded
}

type radixWalkIterator struct {
	stack []radixFrame
	path  [][]byte
	value []byte
}

func (it *radixWalkIterator) Next() bool {
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		if !top.done {
			top.done = true
			if top.node.hasValue {
				it.path = top.path
				it.value = top.node.value
				return true
			}
		}
		if top.next < len(top.node.children) {
			child := top.node.children[top.next]
			top.next++
			childPath := make([][]byte, 0, len(top.path)+1)
			childPath = append(childPath, top.path...)
			childPath = append(childPath, append([]byte(nil), child.comp...))
			it.stack = append(it.stack, radixFrame{node: child.node, path: childPath})
			continue
		}
		it.stack = it.stack[:len(it.stack)-1]
	}
	return false
}

func (it *radixWalkIterator) Path() [][]byte { return it.path }
func (it *radixWalkIterator) Value() []byte  { return it.value }
func (it *radixWalkIterator) Error() error   { return nil }
func (it *radixWalkIterator) Release()       {}

var _ Set = (*RadixTree)(nil)
