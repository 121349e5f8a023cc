// Package identity defines the stable identifiers used throughout the
// cache core: NodeId (symbol identity across revisions), NodeKey (a
// specific content revision of a symbol), and PosKey (an editor
// position resolved to a NodeKey).
package identity

import "fmt"

// NodeId is the stable identity of a symbol across content revisions.
// Two NodeKeys with the same file and symbol name project to the same
// NodeId regardless of content digest.
type NodeId struct {
	File   string
	Symbol string
}

func (id NodeId) String() string {
	return fmt.Sprintf("%s:%s", id.File, id.Symbol)
}

// NodeKey identifies one specific revision of a symbol. A NodeId has
// one NodeKey per distinct content digest observed over time.
type NodeKey struct {
	Symbol      string
	File        string
	ContentHash string
}

func (k NodeKey) String() string {
	return fmt.Sprintf("%s:%s@%s", k.File, k.Symbol, k.ContentHash)
}

// NewNodeKey constructs a NodeKey from its three identity components.
func NewNodeKey(name, file, digest string) NodeKey {
	return NodeKey{Symbol: name, File: file, ContentHash: digest}
}

// ToNodeId projects a NodeKey onto its revision-independent NodeId by
// dropping the content digest.
func ToNodeId(k NodeKey) NodeId {
	return NodeId{File: k.File, Symbol: k.Symbol}
}

// PosKey is a secondary index allowing an editor position to resolve
// to the NodeKey holding the revision visible at that position.
type PosKey struct {
	File   string
	Line   uint32
	Column uint32
	// ContentHash pins the PosKey to a specific revision of the file,
	// the same digest that produced the NodeKey it maps to.
	ContentHash string
}

// NewPosKey constructs a PosKey from its four componentwise fields.
func NewPosKey(file string, line, column uint32, digest string) PosKey {
	return PosKey{File: file, Line: line, Column: column, ContentHash: digest}
}
