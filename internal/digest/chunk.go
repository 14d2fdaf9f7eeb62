package digest

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"gradeflow/internal/extract"
	"gradeflow/internal/models"
)

const blockSep = "\n\n"

// Label is the page-range location identifier of a chunk.
func Label(c models.DigestChunk) string {
	if c.StartPage == c.EndPage {
		return fmt.Sprintf("Page %d", c.StartPage)
	}
	return fmt.Sprintf("Pages %d-%d", c.StartPage, c.EndPage)
}

// Heading is the line that opens a chunk's summary in the digest.
func Heading(c models.DigestChunk) string {
	return fmt.Sprintf("[CHUNK %d | %s SUMMARY]", c.Index, Label(c))
}

// Ref names a chunk the way citations refer to it.
func Ref(c models.DigestChunk) string {
	return fmt.Sprintf("CHUNK %d | %s", c.Index, Label(c))
}

// ChunkPages partitions pages into contiguous chunks whose rendered source
// stays within size runes. A page larger than size on its own becomes
// several parts, each re-prefixed with its page marker. Indices are 1-based.
func ChunkPages(pages []models.Page, size int) []models.DigestChunk {
	if size <= 0 {
		size = 1
	}
	var (
		out     []models.DigestChunk
		current []string
		first   int
		last    int
		curLen  int
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		out = append(out, models.DigestChunk{StartPage: first, EndPage: last, Source: strings.Join(current, blockSep)})
		current, curLen = nil, 0
	}
	for _, p := range pages {
		block := extract.RenderPage(p)
		n := utf8.RuneCountInString(block)
		if n > size {
			flush()
			out = append(out, splitPage(p.Number, block, size)...)
			continue
		}
		if len(current) > 0 && curLen+len(blockSep)+n > size {
			flush()
		}
		if len(current) == 0 {
			first = p.Number
			curLen = n
		} else {
			curLen += len(blockSep) + n
		}
		current = append(current, block)
		last = p.Number
	}
	flush()
	for i := range out {
		out[i].Index = i + 1
	}
	return out
}

func splitPage(page int, block string, size int) []models.DigestChunk {
	header, body, _ := strings.Cut(block, "\n")
	width := max(1, size-utf8.RuneCountInString(header)-1)
	runes := []rune(strings.TrimSpace(body))
	var parts []string
	for start := 0; start < len(runes); start += width {
		parts = append(parts, string(runes[start:min(start+width, len(runes))]))
	}
	if len(parts) == 0 {
		parts = []string{""}
	}
	out := make([]models.DigestChunk, len(parts))
	for i, part := range parts {
		out[i] = models.DigestChunk{
			StartPage: page,
			EndPage:   page,
			Part:      i + 1,
			Parts:     len(parts),
			Source:    strings.TrimRight(header+"\n"+part, "\n"),
		}
	}
	return out
}
