package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/catalog"
)

func newCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c := catalog.New()
	noop := func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }
	require.NoError(t, c.Register(&catalog.Tool{Name: "internet.research", Handler: noop}))
	require.NoError(t, c.Register(&catalog.Tool{Name: "git.commit", Handler: noop, ModeRequired: catalog.ModeCode}))
	require.NoError(t, c.Register(&catalog.Tool{Name: "file.read", Handler: noop}))
	return c
}

func TestCheckAllowed(t *testing.T) {
	g := New(newCatalog(t), time.Second)
	d := g.Check("internet.research", map[string]any{"query": "x"}, catalog.ModeChat, "s1")
	assert.Equal(t, Allowed, d.Verdict)
}

func TestCheckModeDenied(t *testing.T) {
	g := New(newCatalog(t), time.Second)
	d := g.Check("git.commit", nil, catalog.ModeChat, "s1")
	assert.Equal(t, Denied, d.Verdict)
	assert.Contains(t, d.Reason, "mode")
}

func TestCheckGitNamespaceNeedsCodeMode(t *testing.T) {
	g := New(newCatalog(t), time.Second)
	// Even an unregistered git tool is repo-scoped.
	d := g.Check("git.status", nil, catalog.ModeChat, "s1")
	assert.Equal(t, Denied, d.Verdict)
}

func TestCheckPathEscapeDenied(t *testing.T) {
	g := New(newCatalog(t), time.Second)
	d := g.Check("file.read", map[string]any{"path": "../../secrets"}, catalog.ModeCode, "s1")
	assert.Equal(t, Denied, d.Verdict)
	assert.Contains(t, d.Reason, "escapes")
}

func TestCheckResolvesLegacyURI(t *testing.T) {
	g := New(newCatalog(t), time.Second)
	d := g.Check("tool://internet/research", nil, catalog.ModeChat, "s1")
	assert.Equal(t, Allowed, d.Verdict)
}

func TestApprovalRendezvous(t *testing.T) {
	g := New(newCatalog(t), 5*time.Second)
	g.RequireApproval("internet.research")

	var published PendingRequest
	g.Subscribe(func(req PendingRequest) { published = req })

	d := g.Check("internet.research", map[string]any{"query": "x"}, catalog.ModeChat, "s1")
	require.Equal(t, NeedsApproval, d.Verdict)
	require.NotEmpty(t, d.RequestID)
	assert.Equal(t, d.RequestID, published.RequestID)
	assert.Equal(t, "internet.research", published.Tool)

	go g.Respond(d.RequestID, true)
	assert.True(t, g.Await(context.Background(), d.RequestID))

	// The rendezvous is consumed.
	assert.False(t, g.Await(context.Background(), d.RequestID))
}

func TestApprovalDenied(t *testing.T) {
	g := New(newCatalog(t), 5*time.Second)
	g.RequireApproval("git.commit")

	d := g.Check("git.commit", nil, catalog.ModeCode, "s1")
	require.Equal(t, NeedsApproval, d.Verdict)

	go g.Respond(d.RequestID, false)
	assert.False(t, g.Await(context.Background(), d.RequestID))
}

func TestApprovalTimeoutIsDenied(t *testing.T) {
	g := New(newCatalog(t), 20*time.Millisecond)
	g.RequireApproval("git.commit")

	d := g.Check("git.commit", nil, catalog.ModeCode, "s1")
	require.Equal(t, NeedsApproval, d.Verdict)
	assert.False(t, g.Await(context.Background(), d.RequestID))
}
