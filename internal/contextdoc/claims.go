package contextdoc

import (
	"fmt"
	"sort"
	"strings"
)

// Claim is an evidence-bearing assertion extracted from a tool result.
// Claims lacking both URL and SourceRef are rejected as unsourced.
type Claim struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	TTLHours   int     `json:"ttl_hours"`
	URL        string  `json:"url,omitempty"`
	SourceRef  string  `json:"source_ref,omitempty"`
	Invalid    bool    `json:"invalid,omitempty"`
}

// ErrUnsourcedClaim rejects claims with neither URL nor source ref.
var ErrUnsourcedClaim = fmt.Errorf("claim has neither url nor source_ref")

// ErrBlockedURL rejects claims citing a URL that failed a prior cross-check.
var ErrBlockedURL = fmt.Errorf("claim cites a url blocked for this turn")

// Validate checks the claim carries a source.
func (c Claim) Validate() error {
	if c.URL == "" && c.SourceRef == "" {
		return ErrUnsourcedClaim
	}
	return nil
}

// AddClaim appends a claim to the ledger. The ledger is append-only within a
// turn; the validator may later invalidate entries. Claims citing a blocked
// URL never re-enter.
func (d *Document) AddClaim(c Claim) error {
	if err := c.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.URL != "" && d.blockedURLs[c.URL] {
		return ErrBlockedURL
	}
	d.claims = append(d.claims, c)
	return nil
}

// BlockURLs marks URLs that failed evidence cross-checking. Later retry
// passes skip them: AddClaim refuses them and research calls receive them as
// a skip-list.
func (d *Document) BlockURLs(urls []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.blockedURLs == nil {
		d.blockedURLs = make(map[string]bool, len(urls))
	}
	for _, u := range urls {
		if u != "" {
			d.blockedURLs[u] = true
		}
	}
}

// BlockedURLs returns the blocked URLs in sorted order.
func (d *Document) BlockedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.blockedURLs) == 0 {
		return nil
	}
	out := make([]string, 0, len(d.blockedURLs))
	for u := range d.blockedURLs {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Claims returns the valid claims in append order.
func (d *Document) Claims() []Claim {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Claim, 0, len(d.claims))
	for _, c := range d.claims {
		if !c.Invalid {
			out = append(out, c)
		}
	}
	return out
}

// ClaimCount returns the number of valid claims.
func (d *Document) ClaimCount() int {
	return len(d.Claims())
}

// InvalidateClaims marks claims matching any of the given contents or URLs
// as invalid. Returns the number invalidated.
func (d *Document) InvalidateClaims(contents, urls []string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	matchContent := make(map[string]bool, len(contents))
	for _, c := range contents {
		matchContent[c] = true
	}
	matchURL := make(map[string]bool, len(urls))
	for _, u := range urls {
		matchURL[u] = true
	}

	n := 0
	for i := range d.claims {
		if d.claims[i].Invalid {
			continue
		}
		if matchContent[d.claims[i].Content] || (d.claims[i].URL != "" && matchURL[d.claims[i].URL]) {
			d.claims[i].Invalid = true
			n++
		}
	}
	return n
}

// claimsTable renders the deterministic claims table appended to the
// serialized document. Rows are ordered by confidence (descending), then
// content, so repeated serialization is stable.
func claimsTable(claims []Claim) string {
	if len(claims) == 0 {
		return ""
	}

	sorted := append([]Claim(nil), claims...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].Content < sorted[j].Content
	})

	var sb strings.Builder
	sb.WriteString("## Claims\n\n")
	sb.WriteString("| # | Claim | Confidence | Source | URL |\n")
	sb.WriteString("|---|-------|------------|--------|-----|\n")
	for i, c := range sorted {
		url := c.URL
		if url == "" {
			url = c.SourceRef
		}
		sb.WriteString(fmt.Sprintf("| %d | %s | %.2f | %s | %s |\n",
			i+1, sanitizeCell(c.Content), c.Confidence, sanitizeCell(c.Source), sanitizeCell(url)))
	}
	return sb.String()
}

func sanitizeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}
