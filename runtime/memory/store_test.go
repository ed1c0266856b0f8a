package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/bus"
	"goa.design/loom/runtime/message"
)

func newTestStore(t *testing.T, opts ...Option) Store {
	t.Helper()
	s := New(opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ingestMessage(s Store, sessionID string, msg *message.Message) {
	s.Ingest(context.Background(), &bus.Task{
		Action:    "node.message",
		SessionID: sessionID,
		Payload:   msg,
	})
}

func TestIngestFilesMessagePayloads(t *testing.T) {
	s := newTestStore(t)

	ingestMessage(s, "sess", message.NewUser("remember the deploy window"))
	s.Ingest(context.Background(), &bus.Task{Action: "noise", Payload: "not a message"})
	s.Ingest(context.Background(), &bus.Task{Action: "noise", Payload: 42})
	s.Ingest(context.Background(), nil)

	got := s.GetRecent(10)
	require.Len(t, got, 1)
	assert.Equal(t, "remember the deploy window", got[0].Content)
	assert.Equal(t, "sess", got[0].SessionID)
	assert.Equal(t, L1, got[0].Tier)
	assert.Equal(t, ScopeLocal, got[0].Scope)
	assert.InDelta(t, importanceUser, got[0].Importance, 1e-9)
}

func TestImportanceDefaultsByRole(t *testing.T) {
	cases := []struct {
		name string
		msg  *message.Message
		want float64
	}{
		{"user", message.NewUser("u"), importanceUser},
		{"assistant", message.NewAssistant("a"), importanceAssistant},
		{"system", message.NewSystem("s"), importanceAssistant},
		{"tool ok", message.NewToolResult("c1", "calc", "4", message.WithMetadataValue("ok", true)), importanceTool},
		{"tool failed", message.NewToolResult("c1", "calc", "boom", message.WithMetadataValue("ok", false)), importanceFailedTool},
		{"tool error text", message.NewToolResult("c1", "calc", "boom", message.WithMetadataValue("error", "exploded")), importanceFailedTool},
		{"override", message.NewAssistant("a", message.WithMetadataValue("importance", 0.95)), 0.95},
		{"override clamped", message.NewUser("u", message.WithMetadataValue("importance", 7)), 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := importanceFor(&bus.Task{Action: "x"}, tc.msg)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestIngestElevatesImportantEntries(t *testing.T) {
	s := newTestStore(t)

	ingestMessage(s, "sess", message.NewUser("important"))        // 0.9
	ingestMessage(s, "sess", message.NewAssistant("forgettable")) // 0.5

	assert.Equal(t, 2, s.Len(L1))
	important := s.GetImportant(10)
	require.Len(t, important, 1)
	assert.Equal(t, "important", important[0].Content)
	assert.Equal(t, L2, important[0].Tier)
}

func TestGetRecentChronologicalWindow(t *testing.T) {
	s := newTestStore(t, WithL1Capacity(10), WithPromotion(false))

	for i := 1; i <= 4; i++ {
		ingestMessage(s, "sess", message.NewUser(fmt.Sprintf("note %d", i)))
	}

	got := s.GetRecent(3)
	require.Len(t, got, 3)
	assert.Equal(t, "note 2", got[0].Content)
	assert.Equal(t, "note 3", got[1].Content)
	assert.Equal(t, "note 4", got[2].Content)

	all := s.GetRecent(100)
	assert.Len(t, all, 4)
}

func TestGetImportantOrdersByImportance(t *testing.T) {
	s := newTestStore(t)

	ingestMessage(s, "sess", message.NewUser("low", message.WithMetadataValue("importance", 0.6)))
	ingestMessage(s, "sess", message.NewUser("high", message.WithMetadataValue("importance", 0.99)))
	ingestMessage(s, "sess", message.NewUser("mid", message.WithMetadataValue("importance", 0.7)))

	got := s.GetImportant(2)
	require.Len(t, got, 2)
	assert.Equal(t, "high", got[0].Content)
	assert.Equal(t, "mid", got[1].Content)
}

func TestQueriesCopyEntries(t *testing.T) {
	s := newTestStore(t)
	ingestMessage(s, "sess", message.NewUser("original"))

	first := s.GetRecent(1)
	require.Len(t, first, 1)
	first[0].Content = "tampered"

	second := s.GetRecent(1)
	require.Len(t, second, 1)
	assert.Equal(t, "original", second[0].Content)
}

func TestQueryAccessTracking(t *testing.T) {
	s := newTestStore(t)
	ingestMessage(s, "sess", message.NewUser("tracked"))

	first := s.GetRecent(1)
	require.Len(t, first, 1)
	assert.Zero(t, first[0].Accesses)

	second := s.GetRecent(1)
	require.Len(t, second, 1)
	assert.Equal(t, 1, second[0].Accesses)
	assert.False(t, second[0].LastAccess.IsZero())
}

func TestListBySessionSpansTiers(t *testing.T) {
	s := newTestStore(t)

	ingestMessage(s, "a", message.NewUser("a one"))
	ingestMessage(s, "b", message.NewUser("b one"))
	ingestMessage(s, "a", message.NewAssistant("a two"))

	got := s.ListBySession("a", nil)
	// "a one" appears in both L1 and L2 (importance 0.9), "a two" in L1 only.
	require.Len(t, got, 3)
	for _, e := range got {
		assert.Contains(t, e.Content, "a ")
	}

	l1Only := s.ListBySession("a", []Tier{L1})
	assert.Len(t, l1Only, 2)
	assert.Empty(t, s.ListBySession("missing", nil))
}

func TestScopeFiltering(t *testing.T) {
	s := newTestStore(t)

	ingestMessage(s, "sess", message.NewUser("mine"))
	ingestMessage(s, "sess", message.NewUser("from parent", message.WithMetadataValue("scope", "inherited")))
	ingestMessage(s, "sess", message.NewUser("team wide", message.WithMetadataValue("scope", "shared")))
	ingestMessage(s, "sess", message.NewUser("broadcast", message.WithMetadataValue("scope", "global")))

	defaults := s.GetRecent(10)
	require.Len(t, defaults, 2, "default queries see local and inherited only")
	assert.Equal(t, "mine", defaults[0].Content)
	assert.Equal(t, "from parent", defaults[1].Content)

	widened := s.GetRecent(10, WithAllScopes())
	assert.Len(t, widened, 4)

	sharedOnly := s.GetRecent(10, WithScopes(ScopeShared))
	require.Len(t, sharedOnly, 1)
	assert.Equal(t, "team wide", sharedOnly[0].Content)
}

func TestSearchTierScopedToTier(t *testing.T) {
	s := newTestStore(t)
	ingestMessage(s, "sess", message.NewUser("alpha fact"))

	l1Hits, err := s.Search(context.Background(), "alpha", 5, L1)
	require.NoError(t, err)
	require.Len(t, l1Hits, 1)
	assert.Equal(t, L1, l1Hits[0].Entry.Tier)
	assert.InDelta(t, 1.0, l1Hits[0].Score, 1e-9)

	l3Hits, err := s.Search(context.Background(), "alpha", 5, L3)
	require.NoError(t, err)
	assert.Empty(t, l3Hits, "unpopulated tiers return empty results")

	_, err = s.Search(context.Background(), "alpha", 5, Tier("l9"))
	assert.Error(t, err)

	none, err := s.Search(context.Background(), "   ", 5, L1)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBusIngestWindowAndElevation(t *testing.T) {
	b := bus.New()
	defer func() { _ = b.Close() }()
	s := newTestStore(t, WithL1Capacity(10), WithPromotion(false))
	require.NoError(t, s.Attach(b))

	ctx := context.Background()
	for i := 1; i <= 15; i++ {
		msg := message.NewUser(fmt.Sprintf("note %02d", i),
			message.WithMetadataValue("importance", float64(i)/15.0))
		require.NoError(t, b.Publish(ctx, &bus.Task{
			Action:    "node.note",
			SessionID: "notes",
			Payload:   msg,
		}))
	}

	require.Eventually(t, func() bool {
		return s.Len(L1) == 10 && len(s.GetImportant(15)) == 7
	}, 5*time.Second, time.Millisecond)

	recent := s.GetRecent(10)
	require.Len(t, recent, 10)
	for i, e := range recent {
		assert.Equal(t, fmt.Sprintf("note %02d", i+6), e.Content, "L1 keeps the 10 most recent")
	}

	important := s.GetImportant(15)
	require.Len(t, important, 7, "importance >= 0.6 starts at note 09")
	assert.Equal(t, "note 15", important[0].Content)

	hits, err := s.Search(ctx, "note 15", 3, L1)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "note 15", hits[0].Entry.Content)
	for _, h := range hits {
		assert.Equal(t, L1, h.Entry.Tier, "tier-scoped search stays within L1")
	}
}

func TestVectorStoreUpsertIdempotent(t *testing.T) {
	vs := NewInMemoryVectorStore(10)
	ctx := context.Background()

	entry := &Entry{ID: "m1", Content: "first", Importance: 0.9, Embedding: []float32{1, 0}}
	require.NoError(t, vs.Upsert(ctx, entry))
	require.NoError(t, vs.Upsert(ctx, &Entry{ID: "m1", Content: "second", Importance: 0.9, Embedding: []float32{1, 0}}))

	hits, err := vs.Search(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1, "same id overwrites rather than duplicates")
	assert.Equal(t, "second", hits[0].Entry.Content)
}

func TestVectorStoreEvictsLowestImportance(t *testing.T) {
	vs := NewInMemoryVectorStore(2)
	ctx := context.Background()

	require.NoError(t, vs.Upsert(ctx, &Entry{ID: "keep-hi", Importance: 0.9, Embedding: []float32{1, 0}}))
	require.NoError(t, vs.Upsert(ctx, &Entry{ID: "evict-lo", Importance: 0.1, Embedding: []float32{1, 0}}))
	require.NoError(t, vs.Upsert(ctx, &Entry{ID: "keep-mid", Importance: 0.5, Embedding: []float32{1, 0}}))

	hits, err := vs.Search(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	ids := map[string]bool{}
	for _, h := range hits {
		ids[h.Entry.ID] = true
	}
	assert.True(t, ids["keep-hi"])
	assert.True(t, ids["keep-mid"])
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosine([]float32{1, 0}, []float32{1, 0, 0}), "dimension mismatch")
	assert.Zero(t, cosine(nil, nil))
	assert.Zero(t, cosine([]float32{0, 0}, []float32{1, 1}), "zero vector")
}

func TestKeywordScore(t *testing.T) {
	assert.InDelta(t, 1.0, keywordScore("deploy window", "remember the Deploy WINDOW tonight"), 1e-9)
	assert.InDelta(t, 0.5, keywordScore("deploy window", "the deploy finished"), 1e-9)
	assert.Zero(t, keywordScore("deploy", "unrelated text"))
	assert.Zero(t, keywordScore("", "anything"))
}

func TestCloseIsIdempotent(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
