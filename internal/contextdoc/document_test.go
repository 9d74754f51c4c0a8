package contextdoc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDoc() *Document {
	return New("price of eggs", "sess-1", 3, "chat", "trace-abc")
}

func TestAppendSectionContiguous(t *testing.T) {
	d := newDoc()

	require.NoError(t, d.AppendSection(0, "", "analysis"))
	require.NoError(t, d.AppendSection(3, "Plan", "the plan"))

	// Gap sections 1 and 2 were filled so numbering stays contiguous.
	assert.True(t, d.HasSection(1))
	assert.True(t, d.HasSection(2))
	assert.Equal(t, "", d.GetSection(1))
	assert.Equal(t, "the plan", d.GetSection(3))
	assert.Equal(t, 3, d.HighestSection())
}

func TestAppendSectionDuplicate(t *testing.T) {
	d := newDoc()
	require.NoError(t, d.AppendSection(2, "", "first"))

	err := d.AppendSection(2, "", "second")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	assert.Equal(t, "first", d.GetSection(2))
}

func TestAppendSectionNegative(t *testing.T) {
	d := newDoc()
	require.Error(t, d.AppendSection(-1, "", "x"))
}

func TestUpdateSection(t *testing.T) {
	d := newDoc()
	require.NoError(t, d.AppendSection(2, "", "v1"))
	require.NoError(t, d.UpdateSection(2, "v2"))
	assert.Equal(t, "v2", d.GetSection(2))

	require.Error(t, d.UpdateSection(7, "missing"))
}

func TestAppendToSection(t *testing.T) {
	d := newDoc()

	// Creates the section if absent.
	require.NoError(t, d.AppendToSection(4, "step 1 done", "\n"))
	require.NoError(t, d.AppendToSection(4, "step 2 done", "\n"))
	assert.Equal(t, "step 1 done\nstep 2 done", d.GetSection(4))
}

func TestDefaultTitles(t *testing.T) {
	d := newDoc()
	require.NoError(t, d.AppendSection(SectionSynthesis, "", "answer"))

	md := d.Markdown()
	assert.Contains(t, md, "## §6: Synthesis")
}

func TestHighestSectionEmpty(t *testing.T) {
	assert.Equal(t, -1, newDoc().HighestSection())
}

func TestClaimsLedger(t *testing.T) {
	d := newDoc()

	require.NoError(t, d.AddClaim(Claim{
		Content: "eggs cost $4.20", Confidence: 0.9, Source: "internet.research",
		URL: "https://example.com/eggs",
	}))
	require.NoError(t, d.AddClaim(Claim{
		Content: "price last updated yesterday", Confidence: 0.6, Source: "memory.search",
		SourceRef: "turn_000002/toolresults.md",
	}))

	err := d.AddClaim(Claim{Content: "no source", Confidence: 0.8})
	assert.ErrorIs(t, err, ErrUnsourcedClaim)

	assert.Equal(t, 2, d.ClaimCount())

	n := d.InvalidateClaims(nil, []string{"https://example.com/eggs"})
	assert.Equal(t, 1, n)
	claims := d.Claims()
	require.Len(t, claims, 1)
	assert.Equal(t, "price last updated yesterday", claims[0].Content)

	// Invalidating again is a no-op.
	assert.Equal(t, 0, d.InvalidateClaims(nil, []string{"https://example.com/eggs"}))
}

func TestBlockedURLsRefuseReentry(t *testing.T) {
	d := newDoc()
	require.NoError(t, d.AddClaim(Claim{Content: "eggs cost $4.20", Confidence: 0.9, URL: "https://example.com/eggs"}))

	d.BlockURLs([]string{"https://example.com/eggs", "https://example.com/stale", ""})
	d.InvalidateClaims(nil, []string{"https://example.com/eggs"})

	err := d.AddClaim(Claim{Content: "eggs cost $4.20 again", Confidence: 0.9, URL: "https://example.com/eggs"})
	assert.ErrorIs(t, err, ErrBlockedURL)
	assert.Equal(t, 0, d.ClaimCount())

	// Other URLs still enter, and the skip-list is stable for callers.
	require.NoError(t, d.AddClaim(Claim{Content: "eggs cost $4.10", Confidence: 0.8, URL: "https://example.com/fresh"}))
	assert.Equal(t, []string{"https://example.com/eggs", "https://example.com/stale"}, d.BlockedURLs())
}

func TestInvalidateClaimsByContent(t *testing.T) {
	d := newDoc()
	require.NoError(t, d.AddClaim(Claim{Content: "stale fact", Confidence: 0.7, URL: "https://a"}))
	assert.Equal(t, 1, d.InvalidateClaims([]string{"stale fact"}, nil))
	assert.Equal(t, 0, d.ClaimCount())
}

func TestMarkdownDeterministic(t *testing.T) {
	d := newDoc()
	require.NoError(t, d.AppendSection(0, "", "analysis body"))
	require.NoError(t, d.AppendSection(2, "", "context body"))
	require.NoError(t, d.AddClaim(Claim{Content: "low", Confidence: 0.5, URL: "https://l"}))
	require.NoError(t, d.AddClaim(Claim{Content: "high", Confidence: 0.9, URL: "https://h"}))

	md := d.Markdown()
	assert.Equal(t, md, d.Markdown())

	assert.Contains(t, md, "- query: price of eggs")
	assert.Contains(t, md, "- turn: 3")
	// Claims table is last and ordered by confidence descending.
	assert.Less(t, strings.Index(md, "context body"), strings.Index(md, "## Claims"))
	assert.Less(t, strings.Index(md, "| 1 | high |"), strings.Index(md, "| 2 | low |"))
}

func TestMarkdownOmitsInvalidClaims(t *testing.T) {
	d := newDoc()
	require.NoError(t, d.AddClaim(Claim{Content: "dead link fact", Confidence: 0.8, URL: "https://gone"}))
	d.InvalidateClaims(nil, []string{"https://gone"})
	assert.NotContains(t, d.Markdown(), "dead link fact")
}

func TestQueryAnalysisRoundTrip(t *testing.T) {
	d := newDoc()
	qa := &QueryAnalysis{
		ActionNeeded:     "research",
		DataRequirements: []string{"current egg prices"},
		UserPurpose:      "budgeting",
		ContentReference: map[string]string{"it": "the price from last turn"},
	}
	require.NoError(t, d.SetQueryAnalysis(qa))

	assert.Equal(t, "research", d.ActionNeeded())
	assert.Equal(t, []string{"current egg prices"}, d.DataRequirements())
	assert.Equal(t, "the price from last turn", d.ContentReference()["it"])

	// Setting again updates section 0 in place.
	qa.ActionNeeded = "direct_answer"
	require.NoError(t, d.SetQueryAnalysis(qa))
	assert.Equal(t, "direct_answer", d.ActionNeeded())
	assert.Contains(t, d.GetSection(SectionQueryAnalysis), "direct_answer")
}

func TestSourceRefsDeduplicated(t *testing.T) {
	d := newDoc()
	d.AddSourceRef("https://example.com")
	d.AddSourceRef("https://example.com")
	d.AddSourceRef("turn_000001/toolresults.md")
	assert.Len(t, d.SourceRefs(), 2)
}

func TestDecisionsAudit(t *testing.T) {
	d := newDoc()
	d.RecordDecision("validation", "RETRY", "confidence_override")
	d.RecordDecision("validation", "APPROVE", "")

	decisions := d.Decisions()
	require.Len(t, decisions, 2)
	assert.Equal(t, "RETRY", decisions[0].Decision)
}

func TestExecutionState(t *testing.T) {
	d := newDoc()
	d.UpdateExecutionState(3, "planning", 1, 7, 0)
	d.UpdateExecutionState(4, "execution", 0, 0, 2)

	st := d.ExecState()
	assert.Equal(t, 4.0, st.CurrentPhase)
	assert.Equal(t, "execution", st.PhaseName)
	// Zero-valued optionals keep the prior value.
	assert.Equal(t, 1, st.Iteration)
	assert.Equal(t, 7, st.MaxIterations)
	assert.Equal(t, 2, st.ConsecutiveErrors)
}

func TestParseRoundTrip(t *testing.T) {
	d := newDoc()
	require.NoError(t, d.SetQueryAnalysis(&QueryAnalysis{
		ActionNeeded:     "research",
		DataRequirements: []string{"egg prices"},
		UserPurpose:      "budgeting",
	}))
	require.NoError(t, d.AppendSection(2, "", "gathered context"))
	require.NoError(t, d.AddClaim(Claim{Content: "c", Confidence: 0.8, URL: "https://x"}))

	parsed, err := Parse(d.Markdown())
	require.NoError(t, err)

	assert.Equal(t, "price of eggs", parsed.Query)
	assert.Equal(t, "sess-1", parsed.SessionID)
	assert.Equal(t, 3, parsed.TurnNumber)
	assert.Equal(t, "gathered context", parsed.GetSection(2))
	assert.Equal(t, "research", parsed.ActionNeeded())
	// Claims live only in memory; the table is not reconstructed.
	assert.Equal(t, 0, parsed.ClaimCount())
}

func TestParseBadAnalysisBlock(t *testing.T) {
	md := "# Context Document\n\n- query: q\n\n## §0: Query Analysis\n\nnot json\n"
	_, err := Parse(md)
	require.Error(t, err)
}
