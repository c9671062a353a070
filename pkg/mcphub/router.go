package mcphub

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Directive patterns recognized inside the message text. Matching is
// case-insensitive; CleanMessage strips every occurrence.
var (
	forceDirective   = regexp.MustCompile(`(?i)\[(?:force-mcp|use-mcp)\]`)
	skipDirective    = regexp.MustCompile(`(?i)\[(?:skip-mcp|no-mcp)\]`)
	verboseDirective = regexp.MustCompile(`(?i)\[verbose-mcp\]`)
	useServerDir     = regexp.MustCompile(`(?i)\[use-server:([a-z0-9._-]+)\]`)
	excludeServerDir = regexp.MustCompile(`(?i)\[exclude-server:([a-z0-9._-]+)\]`)
)

// Router classifies inbound requests and decides which connected servers to
// expose. It never fails: the worst outcome is a decision not to expose any
// servers, and the caller proceeds with its own fallback tools.
type Router struct {
	registry *Registry
	policy   RouterPolicy
	logger   *slog.Logger
}

// NewRouter builds a router over the registry. A zero-value policy selects
// the built-in defaults.
func NewRouter(registry *Registry, policy *RouterPolicy, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	p := DefaultRouterPolicy()
	if policy != nil {
		p = *policy
	}
	return &Router{registry: registry, policy: p, logger: logger}
}

// AnalyzeRequest scores the message against the policy's keyword sets. The
// classification is a soft exposure filter: every category still requests
// exposure so the downstream model makes the final judgment on tool use.
func (rt *Router) AnalyzeRequest(reqCtx RequestContext) RequestAnalysis {
	msg := strings.ToLower(CleanMessage(reqCtx.UserMessage))

	design := countMatches(msg, rt.policy.DesignKeywords)
	knowledge := countMatches(msg, rt.policy.KnowledgeKeywords)
	edit := countMatches(msg, rt.policy.EditKeywords)
	question := countMatches(msg, rt.policy.QuestionKeywords)
	total := design + knowledge + edit + question

	category := CategoryUnknown
	best := 0
	// Tie-break order: a design signal outranks an edit, which outranks a
	// knowledge lookup, which outranks a bare question.
	for _, c := range []struct {
		cat   Category
		score int
	}{
		{CategoryDesign, design},
		{CategoryModify, edit},
		{CategoryQuery, knowledge},
		{CategoryQuestion, question},
	} {
		if c.score > best {
			best = c.score
			category = c.cat
		}
	}

	confidence := rt.policy.ConfidenceBase + rt.policy.ConfidenceStep*float64(best)
	if confidence > rt.policy.ConfidenceCeiling {
		confidence = rt.policy.ConfidenceCeiling
	}

	complexity := ComplexitySimple
	switch {
	case total >= rt.policy.ComplexMatches:
		complexity = ComplexityComplex
	case total >= rt.policy.ModerateMatches:
		complexity = ComplexityModerate
	}

	return RequestAnalysis{
		Category:          category,
		Complexity:        complexity,
		Confidence:        confidence,
		Tags:              append([]string(nil), rt.policy.CategoryTags[category]...),
		RequiresKnowledge: knowledge > 0,
	}
}

// ParseUserPreference scans the message for bracketed directives. Precedence
// of the effective mode: skip always wins; then force or an explicit server;
// exclusions alone leave the mode at auto and only trim its results.
func (rt *Router) ParseUserPreference(message string) UserPreference {
	pref := UserPreference{Mode: ModeAuto}

	for _, m := range useServerDir.FindAllStringSubmatch(message, -1) {
		pref.Servers = append(pref.Servers, m[1])
	}
	for _, m := range excludeServerDir.FindAllStringSubmatch(message, -1) {
		pref.Exclude = append(pref.Exclude, m[1])
	}

	switch {
	case skipDirective.MatchString(message):
		pref.Mode = ModeSkip
	case forceDirective.MatchString(message) || len(pref.Servers) > 0:
		pref.Mode = ModeForce
	case verboseDirective.MatchString(message):
		pref.Mode = ModeVerbose
	}
	return pref
}

// CleanMessage removes every recognized directive substring, leaving the rest
// of the text intact apart from trimming. Removal repeats until the text stops
// changing, so input whose removal reconstitutes a directive (such as
// "[skip[skip-mcp]-mcp]") is stripped completely. Cleaning already cleaned
// text is a no-op.
func CleanMessage(message string) string {
	for {
		out := skipDirective.ReplaceAllString(message, "")
		out = forceDirective.ReplaceAllString(out, "")
		out = verboseDirective.ReplaceAllString(out, "")
		out = useServerDir.ReplaceAllString(out, "")
		out = excludeServerDir.ReplaceAllString(out, "")
		if out == message {
			return strings.TrimSpace(out)
		}
		message = out
	}
}

// Route combines the classifier with the (explicit or parsed) preference into
// a routing decision. For a fixed request context and registry snapshot the
// decision is deterministic, apart from the generated request id.
func (rt *Router) Route(reqCtx RequestContext) RoutingDecision {
	pref := UserPreference{Mode: ModeAuto}
	if reqCtx.Preference != nil {
		pref = *reqCtx.Preference
	} else {
		pref = rt.ParseUserPreference(reqCtx.UserMessage)
	}

	analysis := rt.AnalyzeRequest(reqCtx)
	decision := RoutingDecision{RequestID: uuid.NewString()}

	switch pref.Mode {
	case ModeSkip:
		decision.Reason = "user directive: skip tool servers"
		decision.Confidence = 1.0
		return decision

	case ModeForce:
		servers := pref.Servers
		explicit := len(servers) > 0
		if !explicit {
			servers = rt.candidatesFor(analysis)
		}
		if len(servers) == 0 {
			servers = rt.connectedByPriority(nil)
		}
		decision.UseMCP = true
		decision.PreferredServers = servers
		if explicit {
			decision.Reason = "user directive: explicit server selection"
			decision.Confidence = 1.0
		} else {
			decision.Reason = "user directive: force tool servers"
			decision.Confidence = analysis.Confidence
		}
		return decision

	default: // auto, verbose
		servers := excludeIDs(rt.candidatesFor(analysis), pref.Exclude)
		if len(servers) == 0 {
			servers = rt.connectedByPriority(pref.Exclude)
		}
		decision.UseMCP = len(servers) > 0
		decision.PreferredServers = servers
		decision.Confidence = analysis.Confidence
		decision.Reason = fmt.Sprintf("classified as %s (%s)", analysis.Category, analysis.Complexity)
		if !decision.UseMCP {
			decision.Reason = "no connected servers available"
		}
		return decision
	}
}

// candidatesFor looks the analysis tags up against the registry's tag index,
// keeps only connected servers, and orders them by descending configured
// priority (id as the stable tie-break).
func (rt *Router) candidatesFor(analysis RequestAnalysis) []string {
	seen := make(map[string]bool)
	var states []ServerState
	for _, tag := range analysis.Tags {
		for _, state := range rt.registry.ServersByTag(tag) {
			if state.Status != StatusConnected || seen[state.Config.ID] {
				continue
			}
			seen[state.Config.ID] = true
			states = append(states, state)
		}
	}
	return orderByPriority(states)
}

// connectedByPriority returns every connected server (minus exclusions) in
// priority order, the fallback when tag matching produced nothing.
func (rt *Router) connectedByPriority(exclude []string) []string {
	states := rt.registry.ConnectedServers()
	return excludeIDs(orderByPriority(states), exclude)
}

func orderByPriority(states []ServerState) []string {
	sort.SliceStable(states, func(i, j int) bool {
		if states[i].Config.Priority != states[j].Config.Priority {
			return states[i].Config.Priority > states[j].Config.Priority
		}
		return states[i].Config.ID < states[j].Config.ID
	})
	ids := make([]string, 0, len(states))
	for _, s := range states {
		ids = append(ids, s.Config.ID)
	}
	return ids
}

func excludeIDs(ids, exclude []string) []string {
	if len(exclude) == 0 {
		return ids
	}
	drop := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		drop[id] = true
	}
	out := ids[:0:0]
	for _, id := range ids {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}

func countMatches(msg string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(msg, kw) {
			n++
		}
	}
	return n
}
