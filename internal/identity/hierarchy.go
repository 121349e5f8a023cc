package identity

// Range is a half-open source range, line/column are zero-based as in
// the Language Server Protocol.
type Range struct {
	StartLine uint32
	StartCol  uint32
	EndLine   uint32
	EndCol    uint32
}

// CallItem identifies the symbol at the other end of a call edge.
type CallItem struct {
	Name string
	File string
	Kind string
}

// Call carries one incoming or outgoing call-hierarchy edge: the
// target item plus the ranges of the call site(s) and, for incoming
// calls, the ranges within the caller that perform the call.
type Call struct {
	Item        CallItem
	FromRanges  []Range
	CallSiteLoc Range
}

// CallHierarchyInfo is treated as opaque by the cache core — only
// fingerprints (NodeKey.ContentHash) and edges (updated separately via
// UpdateEdges) are interpreted by the cache.
type CallHierarchyInfo struct {
	Incoming []Call
	Outgoing []Call
}
