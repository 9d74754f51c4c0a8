package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registryWith(t *testing.T, defs ...string) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	for _, def := range defs {
		wf, err := Parse(def, "inline.md")
		require.NoError(t, err)
		r.Register(wf)
	}
	return r
}

const priceDef = `---
name: FindPrice
description: Look up a price
triggers:
  - "price of"
  - "intent:price_lookup"
steps:
  - name: s
    tool: internet.research
---
`

const compareDef = `---
name: CompareProducts
description: Compare two products
triggers:
  - "compare price of"
steps:
  - name: s
    tool: internet.research
---
`

func TestRegistryLookup(t *testing.T) {
	r := registryWith(t, priceDef, compareDef)

	wf, err := r.Get("FindPrice")
	require.NoError(t, err)
	assert.Equal(t, "FindPrice", wf.Name)

	_, err = r.Get("Nope")
	assert.ErrorIs(t, err, ErrNotFound)

	wf, err = r.FindByIntent("price_lookup")
	require.NoError(t, err)
	assert.Equal(t, "FindPrice", wf.Name)

	assert.Equal(t, []string{"CompareProducts", "FindPrice"}, r.Names())
}

func TestRegistryMatchLongestTrigger(t *testing.T) {
	r := registryWith(t, priceDef, compareDef)

	// Both triggers are substrings; the longer one wins.
	wf, err := r.Match("compare price of laptop A and laptop B")
	require.NoError(t, err)
	assert.Equal(t, "CompareProducts", wf.Name)

	wf, err = r.Match("what is the PRICE OF eggs")
	require.NoError(t, err)
	assert.Equal(t, "FindPrice", wf.Name)

	_, err = r.Match("tell me a joke")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryUnregisterDropsTriggers(t *testing.T) {
	r := registryWith(t, priceDef)

	require.NoError(t, r.Unregister("FindPrice"))
	assert.False(t, r.Has("FindPrice"))
	_, err := r.Match("price of milk")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.FindByIntent("price_lookup")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, r.Unregister("FindPrice"))
}

func TestRegistryReRegisterReplacesTriggers(t *testing.T) {
	r := registryWith(t, priceDef)

	updated := `---
name: FindPrice
description: Look up a price, v2
triggers:
  - "cost of"
steps:
  - name: s
    tool: internet.research
---
`
	wf, err := Parse(updated, "inline.md")
	require.NoError(t, err)
	r.Register(wf)

	_, err = r.Match("price of milk")
	assert.ErrorIs(t, err, ErrNotFound, "old trigger must be dropped")
	got, err := r.Match("cost of milk")
	require.NoError(t, err)
	assert.Equal(t, "Look up a price, v2", got.Description)
}

func TestRegistryLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "price.md"), []byte(priceDef), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "compare.md"), []byte(compareDef), 0o644))
	// A bad file is skipped, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.md"), []byte("no frontmatter"), 0o644))

	r := NewRegistry(nil)
	n, err := r.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, r.Has("FindPrice"))
	assert.True(t, r.Has("CompareProducts"))
}

func TestRegistryLoadBundles(t *testing.T) {
	dir := t.TempDir()
	bundle := filepath.Join(dir, "price_bundle")
	require.NoError(t, os.MkdirAll(bundle, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "workflow.md"), []byte(priceDef), 0o644))

	r := NewRegistry(nil)
	n, err := r.LoadBundles(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, r.Has("FindPrice"))

	// Missing directory is not an error.
	n, err = r.LoadBundles(filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRegistrySaveAndRegister(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(nil)
	wf, err := Parse(priceDef, "")
	require.NoError(t, err)

	require.NoError(t, r.SaveAndRegister(wf, priceDef, dir))
	assert.True(t, r.Has("FindPrice"))
	assert.FileExists(t, filepath.Join(dir, "FindPrice.md"))

	reparsed, err := ParseFile(filepath.Join(dir, "FindPrice.md"))
	require.NoError(t, err)
	assert.Equal(t, "FindPrice", reparsed.Name)
}

func TestRegistryCatalogSummary(t *testing.T) {
	r := registryWith(t, priceDef, compareDef)
	summary := r.CatalogSummary()
	assert.Contains(t, summary, "- CompareProducts: Compare two products")
	assert.Contains(t, summary, "- FindPrice: Look up a price")
}
