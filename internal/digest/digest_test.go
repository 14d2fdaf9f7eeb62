package digest

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gradeflow/internal/extract"
	"gradeflow/internal/models"
	"gradeflow/internal/providers"
)

var requiredRe = regexp.MustCompile(`(?m)^Required marker: (.+)$`)

type funcLLM struct {
	mu      sync.Mutex
	prompts []string
	fn      func(prompt string, call int) (string, error)
}

func (f *funcLLM) Generate(ctx context.Context, req providers.GenerateRequest) (providers.GenerateResponse, providers.ProviderInfo, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	call := len(f.prompts)
	f.mu.Unlock()
	text, err := f.fn(req.Prompt, call)
	return providers.GenerateResponse{Text: text}, providers.ProviderInfo{Name: "func"}, err
}

func marker(prompt string) string {
	return requiredRe.FindStringSubmatch(prompt)[1]
}

// pages of 48 rendered runes each: 15 for the marker line, 33 of text.
func evenPages(n int) []models.Page {
	out := make([]models.Page, n)
	for i := range out {
		out[i] = models.Page{Number: i + 1, Text: strings.Repeat("x", 33), Method: models.MethodNative}
	}
	return out
}

func newDigester(llm providers.LLMProvider, opts Options) *Digester {
	logger, _ := test.NewNullLogger()
	return New(llm, opts, logger)
}

func assertPartition(t *testing.T, pages []models.Page, chunks []models.DigestChunk) {
	t.Helper()
	require.NotEmpty(t, chunks)
	assert.Equal(t, pages[0].Number, chunks[0].StartPage)
	assert.Equal(t, pages[len(pages)-1].Number, chunks[len(chunks)-1].EndPage)
	for i, c := range chunks {
		assert.Equal(t, i+1, c.Index)
		assert.LessOrEqual(t, c.StartPage, c.EndPage)
		if i == 0 {
			continue
		}
		prev := chunks[i-1]
		if c.Part > 1 {
			assert.Equal(t, prev.EndPage, c.StartPage, "parts of one page stay together")
			continue
		}
		assert.Equal(t, prev.EndPage+1, c.StartPage, "no gap or overlap before chunk %d", c.Index)
	}
}

func TestChunkPages_TilesWithinSize(t *testing.T) {
	pages := evenPages(5)
	require.Equal(t, 48, utf8.RuneCountInString(extract.RenderPage(pages[0])))
	require.Equal(t, 248, utf8.RuneCountInString(extract.RenderPages(pages)))

	chunks := ChunkPages(pages, 100)
	require.Len(t, chunks, 3)
	assertPartition(t, pages, chunks)
	assert.Equal(t, "Pages 1-2", Label(chunks[0]))
	assert.Equal(t, "Pages 3-4", Label(chunks[1]))
	assert.Equal(t, "Page 5", Label(chunks[2]))
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Source), 100)
	}
	assert.Equal(t, "[CHUNK 2 | Pages 3-4 SUMMARY]", Heading(chunks[1]))
}

func TestChunkPages_SplitsOversizedPage(t *testing.T) {
	pages := []models.Page{
		{Number: 1, Text: "short", Method: models.MethodNative},
		{Number: 2, Text: strings.Repeat("y", 250), Method: models.MethodNative},
		{Number: 3, Text: "tail", Method: models.MethodNative},
	}
	chunks := ChunkPages(pages, 100)
	require.Len(t, chunks, 5)
	assertPartition(t, pages, chunks)

	parts := chunks[1:4]
	for i, c := range parts {
		assert.Equal(t, 2, c.StartPage)
		assert.Equal(t, i+1, c.Part)
		assert.Equal(t, 3, c.Parts)
		assert.True(t, strings.HasPrefix(c.Source, "--- Page 2 ---\n"))
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Source), 100)
	}
}

func TestChunkPages_PartitionHoldsAcrossSizes(t *testing.T) {
	pages := []models.Page{
		{Number: 1, Text: strings.Repeat("a", 10)},
		{Number: 2, Text: ""},
		{Number: 3, Text: strings.Repeat("b", 140), Method: models.MethodOCR},
		{Number: 4, Text: strings.Repeat("c", 60)},
		{Number: 5, Text: strings.Repeat("d", 5)},
	}
	for size := 20; size <= 400; size += 7 {
		assertPartition(t, pages, ChunkPages(pages, size))
	}
}

func TestHasMarker(t *testing.T) {
	assert.True(t, HasMarker("Pages 3-5\n- data", 3, 5))
	assert.True(t, HasMarker("see page 4 for the table", 3, 5))
	assert.False(t, HasMarker("Pages 2-5", 3, 5))
	assert.False(t, HasMarker("Page 9", 3, 5))
	assert.False(t, HasMarker("no marker", 1, 1))
}

func TestDigest_MockProviderKeepsMarkers(t *testing.T) {
	d := newDigester(providers.NewMockProvider(), Options{Concurrency: 2, MaxRechunks: 2, MinChunkSize: 10})
	res, err := d.Digest(context.Background(), evenPages(5), 10000, 100)
	require.NoError(t, err)

	require.Len(t, res.Chunks, 3)
	assert.True(t, res.UsedChunking)
	assert.Zero(t, res.Rechunks)
	assert.False(t, res.Truncated)
	assert.Empty(t, res.Warnings)
	for _, c := range res.Chunks {
		assert.True(t, c.MarkerOK)
		assert.Contains(t, res.Text, Heading(c))
	}
	assert.True(t, strings.HasPrefix(res.Text, "[CHUNK 1 | Pages 1-2 SUMMARY]\nPages 1-2\n"))
}

func TestDigest_MarkerLossRegeneratesOnceThenWarns(t *testing.T) {
	llm := &funcLLM{fn: func(prompt string, call int) (string, error) {
		return "- summary without any location", nil
	}}
	d := newDigester(llm, Options{Concurrency: 1, Attempts: 2})
	res, err := d.Digest(context.Background(), evenPages(1), 0, 100)
	require.NoError(t, err)

	require.Len(t, llm.prompts, 2)
	assert.NotContains(t, llm.prompts[0], "previous summary was rejected")
	assert.Contains(t, llm.prompts[1], "previous summary was rejected")
	require.Len(t, res.MarkerLoss, 1)
	assert.Equal(t, MarkerLossWarning{Chunk: 1, Label: "Page 1", Attempts: 2}, res.MarkerLoss[0])
	assert.False(t, res.Chunks[0].MarkerOK)
	assert.Contains(t, res.Text, "[CHUNK 1 | Page 1 SUMMARY]")
	assert.Equal(t, []string{res.MarkerLoss[0].String()}, res.Warnings)
}

func TestDigest_FailedChunkBecomesGap(t *testing.T) {
	llm := &funcLLM{fn: func(prompt string, call int) (string, error) {
		if marker(prompt) == "Pages 3-4" {
			return "", errors.New("provider exhausted")
		}
		return marker(prompt) + "\n- ok", nil
	}}
	d := newDigester(llm, Options{Concurrency: 3})
	res, err := d.Digest(context.Background(), evenPages(5), 0, 100)
	require.NoError(t, err)

	require.Len(t, res.Gaps, 1)
	assert.Equal(t, "CHUNK 2 | Pages 3-4", res.Gaps[0].Ref)
	assert.True(t, res.Chunks[1].Failed)
	assert.Contains(t, res.Text, "[CHUNK 2 | Pages 3-4 SUMMARY]\n"+failureNote)
	assert.True(t, res.Chunks[0].MarkerOK)
	assert.True(t, res.Chunks[2].MarkerOK)
}

func TestDigest_RechunksThenTrimsKeepingLabels(t *testing.T) {
	llm := &funcLLM{fn: func(prompt string, call int) (string, error) {
		return marker(prompt) + "\n" + strings.Repeat("detail line\n", 60), nil
	}}
	d := newDigester(llm, Options{Concurrency: 4, MaxRechunks: 2, MinChunkSize: 10})
	const target = 1000
	res, err := d.Digest(context.Background(), evenPages(4), target, 100)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Rechunks)
	assert.Equal(t, 25, res.ChunkSize)
	assert.True(t, res.Truncated)
	assert.LessOrEqual(t, utf8.RuneCountInString(res.Text), target)
	for _, c := range res.Chunks {
		assert.Contains(t, res.Text, Heading(c))
	}
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[len(res.Warnings)-1], "trimmed")
}

func TestDigest_StopsAtMinChunkSize(t *testing.T) {
	llm := &funcLLM{fn: func(prompt string, call int) (string, error) {
		return marker(prompt) + "\n" + strings.Repeat("z", 500), nil
	}}
	d := newDigester(llm, Options{MaxRechunks: 5, MinChunkSize: 60})
	res, err := d.Digest(context.Background(), evenPages(4), 300, 100)
	require.NoError(t, err)
	assert.Zero(t, res.Rechunks)
	assert.True(t, res.Truncated)
}

func TestDigest_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	llm := &funcLLM{fn: func(prompt string, call int) (string, error) { return "", context.Canceled }}
	_, err := newDigester(llm, Options{}).Digest(ctx, evenPages(2), 0, 100)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNeeded(t *testing.T) {
	d := newDigester(providers.NewMockProvider(), Options{Threshold: 100})
	assert.False(t, d.Needed(strings.Repeat("a", 100)))
	assert.True(t, d.Needed(strings.Repeat("a", 101)))
}
