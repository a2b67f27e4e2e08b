package docid

import "testing"

func TestParse_Trunk(t *testing.T) {
	p := Parse("doc123")
	if p.Trunk != "doc123" || p.Fork != "" || p.SnapshotID != "" {
		t.Errorf("Parse returned %+v, want trunk only", p)
	}
	if p.IsFork() || p.IsSnapshot() {
		t.Errorf("trunk id classified as fork or snapshot")
	}
	if p.DocID() != "doc123" {
		t.Errorf("DocID returned %q, want %q", p.DocID(), "doc123")
	}
}

func TestParse_Fork(t *testing.T) {
	p := Parse("doc123~fork1")
	if p.Trunk != "doc123" || p.Fork != "fork1" || p.SnapshotID != "" {
		t.Errorf("Parse returned %+v", p)
	}
	if !p.IsFork() {
		t.Errorf("fork id not classified as fork")
	}
	if p.DocID() != "doc123~fork1" {
		t.Errorf("DocID returned %q", p.DocID())
	}
}

func TestParse_Snapshot(t *testing.T) {
	p := Parse("doc123~v=abc.def")
	if p.Trunk != "doc123" || p.Fork != "" || p.SnapshotID != "abc.def" {
		t.Errorf("Parse returned %+v", p)
	}
	if !p.IsSnapshot() {
		t.Errorf("snapshot ref not classified as snapshot")
	}
	// The pin is stripped from the storage id.
	if p.DocID() != "doc123" {
		t.Errorf("DocID returned %q, want %q", p.DocID(), "doc123")
	}
}

func TestParse_ForkSnapshot(t *testing.T) {
	p := Parse("doc123~fork1~v=v7")
	if p.Trunk != "doc123" || p.Fork != "fork1" || p.SnapshotID != "v7" {
		t.Errorf("Parse returned %+v", p)
	}
	if p.DocID() != "doc123~fork1" {
		t.Errorf("DocID returned %q", p.DocID())
	}
}

func TestParse_Total(t *testing.T) {
	// The parser must accept any shape without failing.
	for _, id := range []string{"", "~", "~~", "~v=", "a~", "~b", "a~b~c", "a~v=~v=x"} {
		p := Parse(id)
		_ = p.DocID()
	}
}

func TestForkID_RoundTrip(t *testing.T) {
	id := ForkID("base", "f2")
	p := Parse(id)
	if p.Trunk != "base" || p.Fork != "f2" {
		t.Errorf("round trip failed: %+v", p)
	}
}

func TestSnapshotRef_RoundTrip(t *testing.T) {
	ref := SnapshotRef("base~f1", "snap9")
	p := Parse(ref)
	if p.Trunk != "base" || p.Fork != "f1" || p.SnapshotID != "snap9" {
		t.Errorf("round trip failed: %+v", p)
	}
}
