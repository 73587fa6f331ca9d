package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoth-app/discovery/internal/domain"
)

func intPtr(n int) *int { return &n }

func TestMergeCrossProviderDuplicate(t *testing.T) {
	crossref := &domain.Paper{
		IDs:        domain.Identifiers{DOI: "10.1/abc"},
		Title:      "Attention Is All You Need",
		Authors:    []domain.Author{{FullName: "Vaswani A."}},
		Year:       2017,
		Provenance: domain.ProvenanceCrossref,
		FetchedAt:  time.Now(),
	}
	arxiv := &domain.Paper{
		IDs:        domain.Identifiers{ArxivID: "1706.03762", DOI: "10.1/abc"},
		Title:      "Attention Is All You Need",
		Abstract:   "The dominant sequence transduction models...",
		Year:       2017,
		Provenance: domain.ProvenanceArxiv,
		FetchedAt:  time.Now(),
	}

	out := Merge([]*domain.Paper{crossref, arxiv})
	require.Len(t, out, 1)

	merged := out[0]
	assert.Equal(t, domain.ProvenanceCrossref, merged.Provenance)
	assert.Equal(t, "10.1/abc", merged.IDs.DOI)
	assert.Equal(t, "1706.03762", merged.IDs.ArxivID)
	// Winner had no abstract; the loser's is backfilled.
	assert.Equal(t, arxiv.Abstract, merged.Abstract)
	assert.Equal(t, crossref.Authors, merged.Authors)
}

func TestMergeUnionsIdentifiersAcrossMembers(t *testing.T) {
	members := []*domain.Paper{
		{IDs: domain.Identifiers{DOI: "10.1/u"}, Title: "U", Year: 2022, Provenance: domain.ProvenanceCrossref},
		{IDs: domain.Identifiers{DOI: "10.1/u", ArxivID: "2201.00001"}, Title: "U", Year: 2022, Provenance: domain.ProvenanceArxiv},
		{IDs: domain.Identifiers{DOI: "10.1/u", SemanticScholarID: "s2-42", PubmedID: "12345"}, Title: "U", Year: 2022, Provenance: domain.ProvenanceSemanticScholar},
	}

	out := Merge(members)
	require.Len(t, out, 1)
	assert.Equal(t, domain.Identifiers{
		DOI:               "10.1/u",
		ArxivID:           "2201.00001",
		SemanticScholarID: "s2-42",
		PubmedID:          "12345",
	}, out[0].IDs)
	// Inputs are never mutated in place.
	assert.Equal(t, domain.Identifiers{DOI: "10.1/u"}, members[0].IDs)
}

func TestMergeFuzzyTitleYear(t *testing.T) {
	a := &domain.Paper{
		Title:      "Deep Residual Learning for Image Recognition",
		Authors:    []domain.Author{{FullName: "Kaiming He"}},
		Year:       2015,
		Provenance: domain.ProvenanceSemanticScholar,
		FetchedAt:  time.Now(),
	}
	b := &domain.Paper{
		Title:      "Deep residual learning for image recognition.",
		Authors:    []domain.Author{{FullName: "Kaiming He"}},
		Year:       2015,
		Provenance: domain.ProvenancePubmed,
		FetchedAt:  time.Now(),
	}
	differentYear := &domain.Paper{
		Title:      "Deep Residual Learning for Image Recognition",
		Authors:    []domain.Author{{FullName: "Kaiming He"}},
		Year:       2016,
		Provenance: domain.ProvenanceBrowser,
		FetchedAt:  time.Now(),
	}

	out := Merge([]*domain.Paper{a, b, differentYear})
	require.Len(t, out, 2)
	assert.Equal(t, domain.ProvenancePubmed, out[0].Provenance)
	assert.Equal(t, domain.ProvenanceBrowser, out[1].Provenance)
}

func TestMergeUnmergeableCandidatesPassThrough(t *testing.T) {
	a := &domain.Paper{Title: "Untraceable Paper", Provenance: domain.ProvenanceBrowser}
	b := &domain.Paper{Title: "Untraceable Paper", Provenance: domain.ProvenanceBrowser}

	out := Merge([]*domain.Paper{a, b})
	assert.Len(t, out, 2)
}

func TestMergePreservesArrivalOrder(t *testing.T) {
	p1 := &domain.Paper{IDs: domain.Identifiers{DOI: "10.1/one"}, Title: "One", Provenance: domain.ProvenanceArxiv}
	p2 := &domain.Paper{IDs: domain.Identifiers{DOI: "10.1/two"}, Title: "Two", Provenance: domain.ProvenanceArxiv}
	dup := &domain.Paper{IDs: domain.Identifiers{DOI: "10.1/one"}, Title: "One", Provenance: domain.ProvenanceCrossref}

	out := Merge([]*domain.Paper{p1, p2, dup})
	require.Len(t, out, 2)
	assert.Equal(t, "10.1/one", out[0].IDs.DOI)
	assert.Equal(t, "10.1/two", out[1].IDs.DOI)
}

func TestMergeIdempotent(t *testing.T) {
	batch := []*domain.Paper{
		{IDs: domain.Identifiers{DOI: "10.1/abc"}, Title: "A", Year: 2020, Provenance: domain.ProvenanceCrossref},
		{IDs: domain.Identifiers{ArxivID: "2001.00001", DOI: "10.1/abc"}, Title: "A", Year: 2020, Provenance: domain.ProvenanceArxiv},
		{Title: "Something Else Entirely", Year: 2019, Provenance: domain.ProvenanceOpenAlex},
	}

	once := Merge(batch)
	twice := Merge(once)
	require.Len(t, twice, len(once))
	for i := range once {
		assert.Equal(t, once[i].IDs, twice[i].IDs)
		assert.Equal(t, once[i].Provenance, twice[i].Provenance)
	}
}

func TestMergeTieBreaks(t *testing.T) {
	earlier := time.Now().Add(-time.Minute)
	sparse := &domain.Paper{
		IDs:        domain.Identifiers{DOI: "10.1/tie"},
		Title:      "Tie",
		Provenance: domain.ProvenanceOpenAlex,
		FetchedAt:  earlier,
	}
	rich := &domain.Paper{
		IDs:           domain.Identifiers{DOI: "10.1/tie"},
		Title:         "Tie",
		Abstract:      "more complete",
		Year:          2021,
		CitationCount: intPtr(12),
		Provenance:    domain.ProvenanceOpenAlex,
		FetchedAt:     time.Now(),
	}

	out := Merge([]*domain.Paper{sparse, rich})
	require.Len(t, out, 1)
	assert.Equal(t, "more complete", out[0].Abstract)

	// Same field count: earlier fetch wins.
	first := &domain.Paper{IDs: domain.Identifiers{DOI: "10.1/t2"}, Title: "T2", Year: 2020, Provenance: domain.ProvenanceArxiv, FetchedAt: earlier}
	second := &domain.Paper{IDs: domain.Identifiers{DOI: "10.1/t2"}, Title: "T2", Year: 2021, Provenance: domain.ProvenanceArxiv, FetchedAt: time.Now()}
	out = Merge([]*domain.Paper{first, second})
	require.Len(t, out, 1)
	assert.Equal(t, 2020, out[0].Year)
}

func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, "attention is all you need",
		NormalizeTitle("  Attention Is: All You Need!  "))
}
