package assemble

import (
	"bytes"
	"testing"
)

func TestSpliceKeepsFirstBufferIntact(t *testing.T) {
	first := tagged("one", 4, false, true)
	second := tagged("two", 4, false, true)
	var out bytes.Buffer
	stats, err := Splice(&out, [][]byte{first, second})
	if err != nil {
		t.Fatalf("splice: %v", err)
	}
	want := append(append([]byte{}, first...), "two"...)
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatalf("unexpected output %q", out.Bytes())
	}
	if stats.Written != int64(len(want)) {
		t.Fatalf("written %d, want %d", stats.Written, len(want))
	}
	if stats.Stripped != int64(len(second)-3) {
		t.Fatalf("stripped %d", stats.Stripped)
	}
	if len(stats.Dropped) != 0 {
		t.Fatalf("unexpected drops %v", stats.Dropped)
	}
}

func TestSpliceSizeBound(t *testing.T) {
	buffers := [][]byte{
		tagged("aaaa", 8, false, true),
		tagged("bbbbbb", 8, false, true),
		[]byte("cc"),
	}
	var out bytes.Buffer
	if _, err := Splice(&out, buffers); err != nil {
		t.Fatalf("splice: %v", err)
	}
	total := 0
	for _, b := range buffers {
		total += len(b)
	}
	lower := len(buffers[0])
	if out.Len() > total || out.Len() < lower {
		t.Fatalf("size %d outside [%d,%d]", out.Len(), lower, total)
	}
}

func TestSpliceReportsDropped(t *testing.T) {
	buffers := [][]byte{
		[]byte("first"),
		tagged("", 16, false, false),
		[]byte("third"),
	}
	var out bytes.Buffer
	stats, err := Splice(&out, buffers)
	if err != nil {
		t.Fatalf("splice: %v", err)
	}
	if out.String() != "firstthird" {
		t.Fatalf("unexpected output %q", out.String())
	}
	if len(stats.Dropped) != 1 || stats.Dropped[0] != 1 {
		t.Fatalf("expected index 1 dropped, got %v", stats.Dropped)
	}
}
