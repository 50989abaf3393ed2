package assemble

import "io"

// SpliceStats describes a binary concatenation.
type SpliceStats struct {
	Written  int64
	Stripped int64
	Dropped  []int
}

// Splice writes buffers to w back to back. The first buffer is written as is
// so the result keeps exactly one leading header; every later buffer has its
// ID3 tags stripped. Buffers left empty by stripping are skipped and their
// indexes reported in Dropped.
func Splice(w io.Writer, buffers [][]byte) (SpliceStats, error) {
	var stats SpliceStats
	for i, buf := range buffers {
		data := buf
		if i > 0 {
			stripped, ok := StripTags(buf)
			if !ok || len(stripped) == 0 {
				stats.Dropped = append(stats.Dropped, i)
				stats.Stripped += int64(len(buf))
				continue
			}
			stats.Stripped += int64(len(buf) - len(stripped))
			data = stripped
		}
		n, err := w.Write(data)
		stats.Written += int64(n)
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}
