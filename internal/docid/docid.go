// Package docid parses document, fork and snapshot identifiers.
//
// Grammar:
//
//	docId       := <opaque text without '~'>
//	forkId      := <docId>~<suffix>
//	snapshotRef := <docId>[~<suffix>]~v=<snapshotId>
//
// The trunk of a fork is everything before the first '~'. The parser is
// total: any string decomposes into trunk, optional fork suffix and optional
// snapshot id.
package docid

import "strings"

const snapshotMarker = "~v="

// Parsed is the decomposition of a document identifier.
type Parsed struct {
	// Trunk is the base document id, never empty for a non-empty input.
	Trunk string

	// Fork is the fork suffix, empty for trunk documents.
	Fork string

	// SnapshotID is the version token for snapshot references, empty
	// otherwise.
	SnapshotID string
}

// IsFork reports whether the id designates a fork of some trunk.
func (p Parsed) IsFork() bool { return p.Fork != "" }

// IsSnapshot reports whether the id pins a specific snapshot.
func (p Parsed) IsSnapshot() bool { return p.SnapshotID != "" }

// DocID reassembles the document id without any snapshot pin. This is the
// id documents are stored and assigned under.
func (p Parsed) DocID() string {
	if p.Fork == "" {
		return p.Trunk
	}
	return p.Trunk + "~" + p.Fork
}

// Parse decomposes an identifier. It never fails; malformed shapes collapse
// into the closest legal reading (an empty "~v=" pin is ignored).
func Parse(id string) Parsed {
	var p Parsed

	if i := strings.Index(id, snapshotMarker); i >= 0 {
		p.SnapshotID = id[i+len(snapshotMarker):]
		id = id[:i]
	}

	if i := strings.Index(id, "~"); i >= 0 {
		p.Trunk = id[:i]
		p.Fork = id[i+1:]
	} else {
		p.Trunk = id
	}

	return p
}

// ForkID builds the id of a fork of trunk with the given suffix.
func ForkID(trunk, suffix string) string {
	return trunk + "~" + suffix
}

// SnapshotRef builds a read-only reference to a specific snapshot of docId.
func SnapshotRef(docID, snapshotID string) string {
	return docID + snapshotMarker + snapshotID
}
