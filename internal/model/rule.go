package model

type MatchType string

const (
	MatchEquals   MatchType = "equals"
	MatchContains MatchType = "contains"
	MatchRegex    MatchType = "regex"
)

// Rule maps a keyword to a canned reply. Reply may be plain text, a file
// path, or a sticker directive ("sticker:1,3,5"); the dispatcher decides.
//
// Rule is deliberately a comparable value type: reload detection compares
// whole snapshots with slices.Equal.
type Rule struct {
	Keyword   string    `json:"keyword"`
	MatchType MatchType `json:"matchType"`
	Reply     string    `json:"reply"`
}
