package segment

import (
	"strings"
	"testing"
)

func newSegmenter(t *testing.T, fallback bool) *Segmenter {
	t.Helper()
	s, err := New(Options{Tags: []string{"1", "2"}, Fallback: fallback, DefaultTag: "1"})
	if err != nil {
		t.Fatalf("new segmenter: %v", err)
	}
	return s
}

func TestSegmentAlternatingSpeakers(t *testing.T) {
	s := newSegmenter(t, false)
	got := s.Segment("1 Hello there\n2 Hi back\n1 Goodbye")
	want := []Segment{
		{Tag: "1", Text: "Hello there"},
		{Tag: "2", Text: "Hi back"},
		{Tag: "1", Text: "Goodbye"},
	}
	assertSegments(t, got, want)
}

func TestSegmentNoTagsWithoutFallback(t *testing.T) {
	s := newSegmenter(t, false)
	if got := s.Segment("Just plain text"); len(got) != 0 {
		t.Fatalf("expected no segments, got %+v", got)
	}
}

func TestSegmentNoTagsWithFallback(t *testing.T) {
	s := newSegmenter(t, true)
	got := s.Segment("  Just plain text\nacross lines  ")
	assertSegments(t, got, []Segment{{Tag: "1", Text: "Just plain text\nacross lines"}})
}

func TestSegmentFallbackIgnoresBlankInput(t *testing.T) {
	s := newSegmenter(t, true)
	if got := s.Segment(" \n\t\n"); len(got) != 0 {
		t.Fatalf("expected no segments, got %+v", got)
	}
}

func TestSegmentContinuationAndParagraphs(t *testing.T) {
	s := newSegmenter(t, false)
	input := "preamble is dropped\n1 First line\nsecond line\n\n\nnew paragraph\n2 Other speaker\n\n"
	got := s.Segment(input)
	want := []Segment{
		{Tag: "1", Text: "First line\nsecond line\n\nnew paragraph"},
		{Tag: "2", Text: "Other speaker"},
	}
	assertSegments(t, got, want)
}

func TestSegmentHandlesCRLFAndIndentation(t *testing.T) {
	s := newSegmenter(t, false)
	got := s.Segment("  1   Hello\r\n   more\r\n2\tBye\r\n")
	want := []Segment{
		{Tag: "1", Text: "Hello\nmore"},
		{Tag: "2", Text: "Bye"},
	}
	assertSegments(t, got, want)
}

func TestSegmentIgnoresUnknownTags(t *testing.T) {
	s := newSegmenter(t, false)
	got := s.Segment("1 Hello\n3 not a speaker\n12 nor this")
	assertSegments(t, got, []Segment{{Tag: "1", Text: "Hello\n3 not a speaker\n12 nor this"}})
}

func TestSegmentBareTagContinuesSegment(t *testing.T) {
	s := newSegmenter(t, false)
	got := s.Segment("1 Hello\n2")
	assertSegments(t, got, []Segment{{Tag: "1", Text: "Hello\n2"}})
}

func TestSegmentLongerTagsWin(t *testing.T) {
	s, err := New(Options{Tags: []string{"1", "10"}})
	if err != nil {
		t.Fatalf("new segmenter: %v", err)
	}
	got := s.Segment("10 ten\n1 one")
	assertSegments(t, got, []Segment{{Tag: "10", Text: "ten"}, {Tag: "1", Text: "one"}})
}

func TestSegmentTaggedInputNeverUsesFallback(t *testing.T) {
	s := newSegmenter(t, true)
	got := s.Segment("intro\n1 Hello")
	assertSegments(t, got, []Segment{{Tag: "1", Text: "Hello"}})
}

func TestSegmentTextIsNeverFabricated(t *testing.T) {
	s := newSegmenter(t, false)
	inputs := []string{
		"1 a\n2 b\nc\n\n1 d",
		"x\n1 y\n\n\n2 z\nw",
		"2 only\n",
	}
	for _, input := range inputs {
		for _, seg := range s.Segment(input) {
			if seg.Text == "" {
				t.Fatalf("empty segment for %q", input)
			}
			for _, line := range strings.Split(seg.Text, "\n") {
				if line != "" && !strings.Contains(input, line) {
					t.Fatalf("segment line %q not found in input %q", line, input)
				}
			}
		}
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without tags")
	}
	if _, err := New(Options{Tags: []string{"1"}, Fallback: true}); err == nil {
		t.Fatal("expected error without default tag")
	}
}

func TestTags(t *testing.T) {
	tags := Tags([]Segment{{Tag: "2"}, {Tag: "1"}, {Tag: "2"}})
	if len(tags) != 2 || tags[0] != "2" || tags[1] != "1" {
		t.Fatalf("unexpected tags: %v", tags)
	}
}

func assertSegments(t *testing.T, got, want []Segment) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d segments, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("segment %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}
