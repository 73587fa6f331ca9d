package analyzer

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoth-app/discovery/internal/domain"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func sampleCorpus() []CorpusPaper {
	return []CorpusPaper{
		{
			Title:      "Attention Is All You Need",
			Tags:       []string{"Machine Learning", "Transformers"},
			Authors:    []string{"Ashish Vaswani", "Noam Shazeer"},
			Year:       2017,
			References: []string{"10.1162/neco.1997.9.8.1735"},
		},
		{
			Title:   "BERT",
			Tags:    []string{"machine learning", "NLP"},
			Authors: []string{"Jacob Devlin"},
			Year:    2018,
		},
		{
			Title:   "GPT-3",
			Tags:    []string{"Machine Learning", "NLP"},
			Authors: []string{"Tom Brown", "Noam Shazeer"},
			Year:    2020,
		},
	}
}

func TestAnalyzeCorpusTopicsAndAuthors(t *testing.T) {
	cc := AnalyzeCorpus(sampleCorpus())

	assert.Equal(t, 3, cc.Topics["machine learning"].Count)
	assert.Equal(t, 2, cc.Topics["nlp"].Count)
	assert.Equal(t, 1, cc.Topics["transformers"].Count)
	// First-seen spelling is kept for query building.
	assert.Contains(t, cc.Topics["machine learning"].Keywords, "Machine Learning")

	assert.Equal(t, 2, cc.KnownAuthors["noam shazeer"])
	assert.Equal(t, 1, cc.KnownAuthors["jacob devlin"])
	assert.True(t, cc.CitedIDs["10.1162/neco.1997.9.8.1735"])
}

func TestRecencyWindow(t *testing.T) {
	from, to := recencyWindow([]int{2017, 2018, 2018, 2019, 2019, 2019, 2019, 2020, 2005, 2021})
	assert.LessOrEqual(t, from, 2018)
	assert.GreaterOrEqual(t, to, 2019)
	assert.Less(t, to-from, 2021-2005)

	from, to = recencyWindow(nil)
	assert.Zero(t, from)
	assert.Zero(t, to)
}

func TestScoreRelevanceWeights(t *testing.T) {
	cc := AnalyzeCorpus(sampleCorpus())

	known := &domain.Paper{
		Title:      "Scaling Laws",
		Concepts:   []string{"Machine Learning", "Quantum Chemistry"},
		Authors:    []domain.Author{{FullName: "Noam Shazeer"}},
		References: []string{"10.1162/neco.1997.9.8.1735", "10.0000/unrelated"},
	}
	// topic 0.4*0.5 + author 0.3*1 + citation 0.3*0.5
	assert.InDelta(t, 0.65, cc.ScoreRelevance(known), 1e-9)

	// Without references the topic component absorbs the citation weight.
	noRefs := &domain.Paper{
		Title:    "Scaling Laws",
		Concepts: []string{"Machine Learning"},
		Authors:  []domain.Author{{FullName: "Nobody"}},
	}
	assert.InDelta(t, 0.7, cc.ScoreRelevance(noRefs), 1e-9)

	stranger := &domain.Paper{Title: "Unrelated", Concepts: []string{"Geology"}}
	assert.Zero(t, cc.ScoreRelevance(stranger))
}

func TestScoreRelevanceDeterministic(t *testing.T) {
	cc := AnalyzeCorpus(sampleCorpus())
	p := &domain.Paper{
		Title:    "Scaling Laws",
		Concepts: []string{"NLP", "Machine Learning"},
		Authors:  []domain.Author{{FullName: "Jacob Devlin"}},
	}
	first := cc.ScoreRelevance(p)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, cc.ScoreRelevance(p))
	}
}

func TestBuildQueryMergesAndDedupes(t *testing.T) {
	cc := AnalyzeCorpus(sampleCorpus())
	sc := &domain.SourceConfig{
		Name:            "ml-openalex",
		Kind:            domain.KindOpenAlex,
		AdapterParams:   []byte(`{"keywords":["machine learning","graph neural networks"]}`),
		Schedule:        domain.Schedule{IntervalMinutes: 60, Enabled: true},
		Filters:         domain.Filters{Keywords: []string{"Machine Learning"}},
		MaxPapersPerRun: 50,
	}

	q, err := BuildQuery(sc, cc)
	require.NoError(t, err)

	// Filter keyword first, config keywords next, corpus topics appended;
	// "machine learning" appears exactly once regardless of casing.
	assert.Equal(t, "Machine Learning", q.Keywords[0])
	assert.Contains(t, q.Keywords, "graph neural networks")
	count := 0
	for _, kw := range q.Keywords {
		if kw == "Machine Learning" || kw == "machine learning" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Contains(t, q.Keywords, "NLP")
	assert.Len(t, q.Authors, 4)
	assert.Equal(t, "noam shazeer", q.Authors[0])
}

func TestBuildQueryForwardsArxivSort(t *testing.T) {
	sc := &domain.SourceConfig{
		Name:            "arxiv-oldest",
		Kind:            domain.KindArxiv,
		AdapterParams:   []byte(`{"categories":["cs.LG"],"sort_by":"date","sort_order":"ascending"}`),
		Schedule:        domain.Schedule{IntervalMinutes: 60, Enabled: true},
		MaxPapersPerRun: 50,
	}

	q, err := BuildQuery(sc, nil)
	require.NoError(t, err)
	assert.Equal(t, "date", q.SortBy)
	assert.Equal(t, "ascending", q.SortOrder)
}

type fakeReader struct {
	id     string
	papers []CorpusPaper
	calls  int
}

func (f *fakeReader) Snapshot(context.Context) (string, []CorpusPaper, error) {
	f.calls++
	return f.id, f.papers, nil
}

func TestContextMemoizedPerSnapshot(t *testing.T) {
	reader := &fakeReader{id: "v1", papers: sampleCorpus()}
	a := New(reader, testLogger())

	first, err := a.Context(context.Background())
	require.NoError(t, err)
	second, err := a.Context(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)

	reader.id = "v2"
	third, err := a.Context(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, third)

	a.Refresh()
	fourth, err := a.Context(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, third, fourth)
}
