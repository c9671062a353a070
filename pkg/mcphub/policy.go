package mcphub

// RouterPolicy holds the keyword lists, tag hints, and scoring constants the
// request classifier runs on. It is externally supplied policy data: swap the
// lists or thresholds without touching the routing logic.
type RouterPolicy struct {
	// Keyword sets, matched against the lower-cased message.
	DesignKeywords    []string // schema-design terms -> CategoryDesign
	KnowledgeKeywords []string // knowledge/best-practice terms -> CategoryQuery
	EditKeywords      []string // simple-edit terms -> CategoryModify
	QuestionKeywords  []string // open-question terms -> CategoryQuestion

	// CategoryTags maps a category to the registry tags worth routing to.
	CategoryTags map[Category][]string

	// Confidence grows from Base by Step per keyword match and saturates at
	// Ceiling.
	ConfidenceBase    float64
	ConfidenceStep    float64
	ConfidenceCeiling float64

	// Complexity tiers by total keyword matches.
	ModerateMatches int
	ComplexMatches  int
}

// DefaultRouterPolicy returns the built-in policy tuned for a schema-design
// assistant fronting database and documentation tool servers.
func DefaultRouterPolicy() RouterPolicy {
	return RouterPolicy{
		DesignKeywords: []string{
			"design", "schema", "data model", "table", "entity",
			"relationship", "foreign key", "normalize", "normalization",
			"erd", "migration", "one-to-many", "many-to-many",
		},
		KnowledgeKeywords: []string{
			"best practice", "best practices", "recommended", "convention",
			"naming", "optimize", "optimization", "index", "indexes",
			"performance", "documentation",
		},
		EditKeywords: []string{
			"rename", "add column", "add a column", "drop", "remove",
			"delete", "change type", "set default", "make nullable",
			"not null",
		},
		QuestionKeywords: []string{
			"what is", "what are", "how do", "how does", "why",
			"which", "explain", "difference between", "can i", "should i",
		},
		CategoryTags: map[Category][]string{
			CategoryDesign:   {"postgres", "schema"},
			CategoryModify:   {"postgres"},
			CategoryQuery:    {"docs", "github"},
			CategoryQuestion: {"docs"},
		},
		ConfidenceBase:    0.25,
		ConfidenceStep:    0.15,
		ConfidenceCeiling: 0.95,
		ModerateMatches:   2,
		ComplexMatches:    5,
	}
}
