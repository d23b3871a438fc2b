// Package nest implements structured values.
//
// Observations and hidden states handed to a network.Model may be a
// single tensor or an arbitrarily nested tuple or list of tensors. A
// Nest is a tagged variant over these cases: a leaf holding a T, a
// fixed-size tuple of Nests, an ordered list of Nests, or an opaque
// value which is carried through every structural operation untouched.
// Structural recursion is defined once, in Map, and every other
// operation is built on top of it.
package nest

import (
	"fmt"
)

// Kind is the tag of a Nest
type Kind int

const (
	Invalid Kind = iota
	Leaf
	Tuple
	List
	Opaque
)

// String implements the fmt.Stringer interface
func (k Kind) String() string {
	switch k {
	case Leaf:
		return "Leaf"
	case Tuple:
		return "Tuple"
	case List:
		return "List"
	case Opaque:
		return "Opaque"
	default:
		return "Invalid"
	}
}

// Nest is a structured value whose leaves have type T
type Nest[T any] struct {
	kind   Kind
	leaf   T
	items  []Nest[T]
	opaque interface{}
}

// NewLeaf returns a Nest holding a single value
func NewLeaf[T any](value T) Nest[T] {
	return Nest[T]{kind: Leaf, leaf: value}
}

// NewTuple returns a fixed-size tuple of Nests
func NewTuple[T any](items ...Nest[T]) Nest[T] {
	return Nest[T]{kind: Tuple, items: items}
}

// NewList returns an ordered list of Nests
func NewList[T any](items ...Nest[T]) Nest[T] {
	return Nest[T]{kind: List, items: items}
}

// NewOpaque returns a Nest wrapping a value that is not a leaf. Opaque
// values are passed through Map unchanged.
func NewOpaque[T any](value interface{}) Nest[T] {
	return Nest[T]{kind: Opaque, opaque: value}
}

// Kind returns the tag of the Nest
func (n Nest[T]) Kind() Kind {
	return n.kind
}

// IsLeaf returns whether the Nest is a leaf
func (n Nest[T]) IsLeaf() bool {
	return n.kind == Leaf
}

// Value returns the value held by a leaf. Value panics if the Nest is
// not a leaf.
func (n Nest[T]) Value() T {
	if n.kind != Leaf {
		panic(fmt.Sprintf("value: cannot get leaf value of %v", n.kind))
	}
	return n.leaf
}

// Opaque returns the value wrapped by an opaque Nest. Opaque panics if
// the Nest is not opaque.
func (n Nest[T]) Opaque() interface{} {
	if n.kind != Opaque {
		panic(fmt.Sprintf("opaque: cannot get opaque value of %v", n.kind))
	}
	return n.opaque
}

// Len returns the number of items in a tuple or list, and 0 otherwise
func (n Nest[T]) Len() int {
	return len(n.items)
}

// At returns the i-th item of a tuple or list
func (n Nest[T]) At(i int) Nest[T] {
	if n.kind != Tuple && n.kind != List {
		panic(fmt.Sprintf("at: cannot index into %v", n.kind))
	}
	return n.items[i]
}

// Leaves returns all leaf values of the Nest in depth-first order
func (n Nest[T]) Leaves() []T {
	var leaves []T
	n.walk(func(v T) { leaves = append(leaves, v) })
	return leaves
}

func (n Nest[T]) walk(f func(T)) {
	switch n.kind {
	case Leaf:
		f(n.leaf)
	case Tuple, List:
		for _, item := range n.items {
			item.walk(f)
		}
	case Opaque:
	default:
		panic(fmt.Sprintf("walk: unrecognized structure %v", n.kind))
	}
}

// Map returns a Nest with the same structure as n, where each leaf
// value v has been replaced by f(v). Opaque values are carried over
// unchanged. Map stops at and returns the first error returned by f.
//
// Map panics if it encounters a Nest with an unrecognized Kind, which
// happens only when a zero Nest is used as a structured value.
func Map[T, U any](n Nest[T], f func(T) (U, error)) (Nest[U], error) {
	switch n.kind {
	case Leaf:
		v, err := f(n.leaf)
		if err != nil {
			return Nest[U]{}, err
		}
		return NewLeaf(v), nil

	case Tuple, List:
		items := make([]Nest[U], len(n.items))
		for i, item := range n.items {
			mapped, err := Map(item, f)
			if err != nil {
				return Nest[U]{}, err
			}
			items[i] = mapped
		}
		return Nest[U]{kind: n.kind, items: items}, nil

	case Opaque:
		return NewOpaque[U](n.opaque), nil

	default:
		panic(fmt.Sprintf("map: unrecognized structure %v", n.kind))
	}
}

// SameStructure returns an error describing the first place in which
// the structures of a and b differ, or nil if they have the same
// structure. Leaf values are not compared.
func SameStructure[T, U any](a Nest[T], b Nest[U]) error {
	if a.kind != b.kind {
		return fmt.Errorf("samestructure: kinds differ \n\twant(%v)\n\thave(%v)",
			a.kind, b.kind)
	}
	if len(a.items) != len(b.items) {
		return fmt.Errorf("samestructure: %v lengths differ \n\twant(%v)"+
			"\n\thave(%v)", a.kind, len(a.items), len(b.items))
	}
	for i := range a.items {
		if err := SameStructure(a.items[i], b.items[i]); err != nil {
			return err
		}
	}
	return nil
}

// String implements the fmt.Stringer interface
func (n Nest[T]) String() string {
	switch n.kind {
	case Leaf:
		return fmt.Sprintf("%v", n.leaf)
	case Opaque:
		return fmt.Sprintf("opaque(%v)", n.opaque)
	case Tuple, List:
		open, close := "(", ")"
		if n.kind == List {
			open, close = "[", "]"
		}
		s := open
		for i, item := range n.items {
			if i > 0 {
				s += ", "
			}
			s += item.String()
		}
		return s + close
	default:
		return "invalid"
	}
}
