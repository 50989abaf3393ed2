// Package segment splits speaker-tagged text into ordered segments.
//
// A line of the form "<tag> <content>" opens a new segment for <tag>. Lines
// that follow without a tag continue the open segment. Lines seen before the
// first tag are dropped.
package segment

import (
	"errors"
	"regexp"
	"sort"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// Segment is a contiguous span of text attributed to one speaker tag.
type Segment struct {
	Tag  string `json:"tag"`
	Text string `json:"text"`
}

// Options controls which tags are recognised and what happens with untagged input.
type Options struct {
	Tags       []string
	Fallback   bool
	DefaultTag string
}

// Segmenter is safe for concurrent use; it holds no per-call state.
type Segmenter struct {
	opts    Options
	pattern *regexp.Regexp
}

func New(opts Options) (*Segmenter, error) {
	if len(opts.Tags) == 0 {
		return nil, errors.New("segmenter requires at least one tag")
	}
	if opts.Fallback && opts.DefaultTag == "" {
		return nil, errors.New("segmenter fallback requires a default tag")
	}
	tags := append([]string(nil), opts.Tags...)
	// longest first so "10" wins over "1"
	sort.SliceStable(tags, func(i, j int) bool { return len(tags[i]) > len(tags[j]) })
	quoted := make([]string, 0, len(tags))
	for _, tag := range tags {
		quoted = append(quoted, regexp.QuoteMeta(tag))
	}
	pattern, err := regexp.Compile(`^(` + strings.Join(quoted, "|") + `)\s+(.+)$`)
	if err != nil {
		return nil, err
	}
	return &Segmenter{opts: opts, pattern: pattern}, nil
}

func FromConfig(cfg config.SegmenterConfig) (*Segmenter, error) {
	return New(Options{Tags: cfg.Tags, Fallback: cfg.Fallback, DefaultTag: cfg.DefaultTag})
}

// accumulator is threaded through the fold over input lines.
type accumulator struct {
	tag       string
	text      string
	open      bool
	paragraph bool
	sawTag    bool
	segments  []Segment
}

// Segment splits text into segments in input order. Segments never carry
// empty text. With fallback enabled and no tagged line present, the whole
// trimmed input is returned as one segment under the default tag.
func (s *Segmenter) Segment(text string) []Segment {
	acc := accumulator{}
	for _, line := range strings.Split(text, "\n") {
		acc = s.step(acc, strings.TrimSpace(line))
	}
	acc = flush(acc)

	if len(acc.segments) == 0 && !acc.sawTag && s.opts.Fallback {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return []Segment{{Tag: s.opts.DefaultTag, Text: trimmed}}
		}
	}
	return acc.segments
}

func (s *Segmenter) step(acc accumulator, line string) accumulator {
	if line == "" {
		if acc.open && acc.text != "" {
			acc.paragraph = true
		}
		return acc
	}
	if m := s.pattern.FindStringSubmatch(line); m != nil {
		acc = flush(acc)
		acc.sawTag = true
		acc.open = true
		acc.tag = m[1]
		acc.text = m[2]
		acc.paragraph = false
		return acc
	}
	if !acc.open {
		return acc
	}
	sep := "\n"
	if acc.paragraph {
		sep = "\n\n"
	}
	if acc.text == "" {
		sep = ""
	}
	acc.text += sep + line
	acc.paragraph = false
	return acc
}

func flush(acc accumulator) accumulator {
	if acc.open {
		if trimmed := strings.TrimSpace(acc.text); trimmed != "" {
			acc.segments = append(acc.segments, Segment{Tag: acc.tag, Text: trimmed})
		}
	}
	acc.open = false
	acc.tag = ""
	acc.text = ""
	acc.paragraph = false
	return acc
}

// Tags returns the distinct tags used by segs, in first-seen order.
func Tags(segs []Segment) []string {
	seen := make(map[string]struct{}, len(segs))
	var out []string
	for _, seg := range segs {
		if _, ok := seen[seg.Tag]; ok {
			continue
		}
		seen[seg.Tag] = struct{}{}
		out = append(out, seg.Tag)
	}
	return out
}
