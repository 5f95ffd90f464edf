package pagedindex

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synapsedb/synapsedb/internal/staging"
)

func sampleTriples() []staging.Triple {
	return []staging.Triple{
		{S: 1, P: 1, O: 2},
		{S: 1, P: 2, O: 3},
		{S: 2, P: 1, O: 1},
	}
}

func pageFor(pages []EncodedPage, primary uint32) (EncodedPage, bool) {
	for _, p := range pages {
		if p.PrimaryValue == primary {
			return p, true
		}
	}

	return EncodedPage{}, false
}

func TestEncodeDecodePageRoundTrip(t *testing.T) {
	pages := EncodePages(SPO, sampleTriples(), 0)
	require.Len(t, pages, 2)

	page, ok := pageFor(pages, 1)
	require.True(t, ok)

	decoded, err := DecodePage(SPO, page.PrimaryValue, page.Data)
	require.NoError(t, err)
	require.ElementsMatch(t, []staging.Triple{{S: 1, P: 1, O: 2}, {S: 1, P: 2, O: 3}}, decoded)
}

// TestEncodePagesSplitsLargeGroupAcrossMultiplePages matches spec section
// 8.5's PageSize scenario: pageSize=2 with three facts sharing a subject
// must split that subject's group into at least two pages once flushed.
func TestEncodePagesSplitsLargeGroupAcrossMultiplePages(t *testing.T) {
	triples := []staging.Triple{
		{S: 1, P: 1, O: 1},
		{S: 1, P: 2, O: 2},
		{S: 1, P: 3, O: 3},
	}

	pages := EncodePages(SPO, triples, 2)

	var subjectOnePages int

	for _, p := range pages {
		if p.PrimaryValue == 1 {
			subjectOnePages++
		}
	}

	require.GreaterOrEqual(t, subjectOnePages, 2, "a 3-pair group with pageSize=2 must span at least two pages")

	var buf bytes.Buffer

	metas, err := WritePages(&buf, 0, CodecNone, pages)
	require.NoError(t, err)

	all, err := ReadAllStreaming(bytes.NewReader(buf.Bytes()), SPO, CodecNone, metas)
	require.NoError(t, err)
	require.ElementsMatch(t, triples, all)
}

func TestEncodePagesZeroOrNegativePageSizeUsesDefault(t *testing.T) {
	triples := []staging.Triple{{S: 1, P: 1, O: 1}}

	zero := EncodePages(SPO, triples, 0)
	negative := EncodePages(SPO, triples, -5)
	explicit := EncodePages(SPO, triples, DefaultPageSize)

	require.Equal(t, explicit, zero)
	require.Equal(t, explicit, negative)
}

func TestWriteReadPagesUncompressed(t *testing.T) {
	pages := EncodePages(SPO, sampleTriples(), 0)

	var buf bytes.Buffer

	metas, err := WritePages(&buf, 0, CodecNone, pages)
	require.NoError(t, err)
	require.Len(t, metas, 2)

	path := filepath.Join(t.TempDir(), "spo.idx")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	lo, hi := FindPageRange(metas, 1)
	require.Less(t, lo, hi)

	triples, err := ReadPage(f, SPO, CodecNone, metas[lo])
	require.NoError(t, err)
	require.ElementsMatch(t, []staging.Triple{{S: 1, P: 1, O: 2}, {S: 1, P: 2, O: 3}}, triples)
}

func TestWriteReadPagesBrotli(t *testing.T) {
	pages := EncodePages(SPO, sampleTriples(), 0)

	var buf bytes.Buffer

	metas, err := WritePages(&buf, 0, CodecBrotli, pages)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "spo.idx")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	all, err := ReadAllStreaming(f, SPO, CodecBrotli, metas)
	require.NoError(t, err)
	require.ElementsMatch(t, sampleTriples(), all)
}

func TestWriteReadPagesZstd(t *testing.T) {
	pages := EncodePages(POS, sampleTriples(), 0)

	var buf bytes.Buffer

	metas, err := WritePages(&buf, 0, CodecZstd, pages)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "pos.idx")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	all, err := ReadAllStreaming(f, POS, CodecZstd, metas)
	require.NoError(t, err)
	require.ElementsMatch(t, sampleTriples(), all)
}

func TestReadPageDetectsCorruption(t *testing.T) {
	pages := EncodePages(SPO, sampleTriples(), 0)

	var buf bytes.Buffer

	metas, err := WritePages(&buf, 0, CodecNone, pages)
	require.NoError(t, err)

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF

	path := filepath.Join(t.TempDir(), "spo.idx")
	require.NoError(t, os.WriteFile(path, corrupted, 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	lo, _ := FindPageRange(metas, metas[len(metas)-1].PrimaryValue)
	_, err = ReadPage(f, SPO, CodecNone, metas[lo])
	require.ErrorIs(t, err, ErrPageCorrupt)
}

func TestFindPageRangeMissing(t *testing.T) {
	pages := EncodePages(SPO, sampleTriples(), 0)

	var buf bytes.Buffer

	metas, err := WritePages(&buf, 0, CodecNone, pages)
	require.NoError(t, err)

	lo, hi := FindPageRange(metas, 999)
	require.Equal(t, lo, hi)
}

func TestStreamAllStopsEarlyWhenYieldReturnsFalse(t *testing.T) {
	pages := EncodePages(SPO, sampleTriples(), 0)

	var buf bytes.Buffer

	metas, err := WritePages(&buf, 0, CodecNone, pages)
	require.NoError(t, err)

	var seen int

	err = StreamAll(bytes.NewReader(buf.Bytes()), SPO, CodecNone, metas, func(staging.Triple) bool {
		seen++

		return false
	})
	require.NoError(t, err)
	require.Equal(t, 1, seen, "yield returning false must stop decoding further pages")
}

func TestMergePageMetasKeepsStableOrderAcrossAppendGenerations(t *testing.T) {
	first := EncodePages(SPO, []staging.Triple{{S: 1, P: 1, O: 1}}, 0)

	var buf bytes.Buffer

	firstMetas, err := WritePages(&buf, 0, CodecNone, first)
	require.NoError(t, err)

	second := EncodePages(SPO, []staging.Triple{{S: 1, P: 2, O: 2}, {S: 2, P: 1, O: 1}}, 0)

	secondMetas, err := WritePages(&buf, int64(buf.Len()), CodecNone, second)
	require.NoError(t, err)

	merged := MergePageMetas(firstMetas, secondMetas)

	lo, hi := FindPageRange(merged, 1)
	require.Equal(t, 2, hi-lo, "subject 1 now spans pages from both append generations")

	all, err := ReadAllStreaming(bytes.NewReader(buf.Bytes()), SPO, CodecNone, merged)
	require.NoError(t, err)
	require.ElementsMatch(t, []staging.Triple{{S: 1, P: 1, O: 1}, {S: 1, P: 2, O: 2}, {S: 2, P: 1, O: 1}}, all)
}
