// Package systree implements the System Tree: a named hierarchical
// object registry used for the \proc tree, device nodes, and stdio
// handle inheritance.
package systree

import (
	"strings"

	"github.com/martin-hughes/azalea/internal/kerr"
	"github.com/martin-hughes/azalea/internal/ksync"
)

// Object is anything the tree can hold: a branch (directory-like node)
// or a leaf (an opaque value, e.g. a readable memory-file or an
// inherited stdio handle).
type Object struct {
	Leaf  bool
	Value any

	children map[string]*Object
}

func newBranch() *Object {
	return &Object{children: make(map[string]*Object)}
}

// NewLeaf wraps an arbitrary value as a leaf object.
func NewLeaf(value any) *Object {
	return &Object{Leaf: true, Value: value}
}

// Tree is a path-segment trie rooted at "\", protected by a single
// spinlock; mutation is rare (process creation/destruction).
type Tree struct {
	lock ksync.Spinlock
	root *Object
}

// New builds an empty tree.
func New() *Tree {
	return &Tree{root: newBranch()}
}

func splitPath(path string) []string {
	path = strings.Trim(path, `\`)
	if path == "" {
		return nil
	}
	return strings.Split(path, `\`)
}

// GetChild resolves path to its object, or fails with kerr.NotFound.
func (t *Tree) GetChild(path string) (*Object, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	node, ok := t.walkLocked(splitPath(path))
	if !ok {
		return nil, kerr.New("systree.GetChild", kerr.NotFound)
	}
	return node, nil
}

// AddChild inserts obj at path, creating intermediate branches as
// needed, and fails with kerr.AlreadyExists if path is already
// occupied.
func (t *Tree) AddChild(path string, obj *Object) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	segs := splitPath(path)
	if len(segs) == 0 {
		return kerr.New("systree.AddChild", kerr.InvalidName)
	}

	node := t.root
	for _, seg := range segs[:len(segs)-1] {
		if node.Leaf {
			return kerr.New("systree.AddChild", kerr.WrongType)
		}
		next, ok := node.children[seg]
		if !ok {
			next = newBranch()
			node.children[seg] = next
		}
		node = next
	}

	last := segs[len(segs)-1]
	if node.Leaf {
		return kerr.New("systree.AddChild", kerr.WrongType)
	}
	if _, exists := node.children[last]; exists {
		return kerr.New("systree.AddChild", kerr.AlreadyExists)
	}
	node.children[last] = obj
	return nil
}

// CreateChild is AddChild for a freshly created branch node, returning
// it so the caller can populate it further.
func (t *Tree) CreateChild(path string) (*Object, error) {
	obj := newBranch()
	if err := t.AddChild(path, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// DeleteChild removes the object at path.
func (t *Tree) DeleteChild(path string) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	segs := splitPath(path)
	if len(segs) == 0 {
		return kerr.New("systree.DeleteChild", kerr.InvalidName)
	}
	parent, ok := t.walkLocked(segs[:len(segs)-1])
	if !ok {
		return kerr.New("systree.DeleteChild", kerr.NotFound)
	}
	last := segs[len(segs)-1]
	if _, exists := parent.children[last]; !exists {
		return kerr.New("systree.DeleteChild", kerr.NotFound)
	}
	delete(parent.children, last)
	return nil
}

func (t *Tree) walkLocked(segs []string) (*Object, bool) {
	node := t.root
	for _, seg := range segs {
		if node.Leaf {
			return nil, false
		}
		next, ok := node.children[seg]
		if !ok {
			return nil, false
		}
		node = next
	}
	return node, true
}
