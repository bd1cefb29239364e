// Package filter drops proposed actions that violate rules learned from human card feedback.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"cardflow/internal/models"
)

// Pattern types for regex rules.
const (
	PatternEmailContent = "email_content"
	PatternContactName  = "contact_name"
	PatternEmailDomain  = "email_domain"
	PatternCompanyName  = "company_name"
)

// AllTypes scopes a rule to every card type.
const AllTypes = "all"

// Rule is one natural-language do/don't rule with optional regex.
type Rule struct {
	ID          string
	Text        string
	Reason      string
	CardType    string
	Importance  float64
	PatternType string
	Regex       string
}

func (r Rule) appliesTo(t models.CardType) bool {
	return r.CardType == "" || r.CardType == AllTypes || r.CardType == string(t)
}

// Filtered is an action dropped by a rule.
type Filtered struct {
	Action models.ProposedAction
	Rule   Rule
	Reason string
}

// Result partitions actions into allowed and filtered, preserving input order.
type Result struct {
	Allowed  []models.ProposedAction
	Filtered []Filtered
}

var (
	quotedPhrasePattern = regexp.MustCompile(`(?i)(?:don't|do not|avoid|stop)\s+(?:use|say|include|mention)\s+['"](.+?)['"]`)
	boundPhrasePattern  = regexp.MustCompile(`(?i)(?:don't|do not|avoid|stop)\s+(?:use|say|include|mention)\s+(\w+(?:\s+\w+){0,5})\s+(?:in|when|for)`)
	generatePattern     = regexp.MustCompile(`(?i)(?:don't|do not|avoid|stop) generat(?:e|ing)\s+(?:cards?\s+)?(?:for|to|about|with)?\s*(.+?)(?:\.|$|,)`)
	usePattern          = regexp.MustCompile(`(?i)(?:don't|do not|avoid|stop) us(?:e|ing)\s+['"]?(.+?)['"]?(?:\.|$|,|in)`)
)

// Apply checks every action against rules in the order given. Callers pass rules sorted by
// importance, highest first; the first violated rule is the one reported and later rules
// are not evaluated for that action.
func Apply(actions []models.ProposedAction, rules []Rule) Result {
	if len(rules) == 0 {
		return Result{Allowed: actions}
	}
	compiled := compileRegexes(rules)

	var res Result
	for _, a := range actions {
		filtered := false
		for i, r := range rules {
			if reason, ok := violates(a, r, compiled[i]); ok {
				res.Filtered = append(res.Filtered, Filtered{Action: a, Rule: r, Reason: reason})
				filtered = true
				break
			}
		}
		if !filtered {
			res.Allowed = append(res.Allowed, a)
		}
	}
	return res
}

// compileRegexes compiles each rule's regex once. Invalid patterns compile to nil and
// the rule falls back to its text templates.
func compileRegexes(rules []Rule) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(rules))
	for i, r := range rules {
		if r.PatternType == "" || r.Regex == "" {
			continue
		}
		if re, err := regexp.Compile("(?i)" + r.Regex); err == nil {
			out[i] = re
		}
	}
	return out
}

func violates(a models.ProposedAction, r Rule, re *regexp.Regexp) (string, bool) {
	if !r.appliesTo(a.Type) {
		return "", false
	}
	var subject, body string
	if a.EmailDraft != nil {
		subject = strings.ToLower(a.EmailDraft.Subject)
		body = strings.ToLower(a.EmailDraft.Body)
	}
	title := strings.ToLower(a.Title)
	rationale := strings.ToLower(a.Rationale)
	ruleText := strings.ToLower(r.Text)

	// contact_name, email_domain and company_name patterns need CRM data the action
	// does not carry; only email content is checked here.
	if re != nil && r.PatternType == PatternEmailContent {
		if re.MatchString(body) || re.MatchString(subject) {
			return fmt.Sprintf("Email content matches forbidden pattern: \"%s\"", r.Regex), true
		}
	}

	if phrases := ForbiddenPhrases(ruleText); len(phrases) > 0 {
		all := strings.Join([]string{body, subject, title, rationale}, " ")
		for _, p := range phrases {
			if strings.Contains(all, strings.ToLower(p)) {
				return fmt.Sprintf("Contains forbidden phrase: \"%s\"", p), true
			}
		}
	}

	if containsAny(ruleText, "don't generate", "do not generate", "avoid generating", "stop generating") {
		if m := generatePattern.FindStringSubmatch(ruleText); m != nil {
			forbidden := strings.TrimSpace(m[1])
			context := strings.Join([]string{title, rationale, subject}, " ")
			if forbidden != "" && strings.Contains(context, forbidden) {
				return fmt.Sprintf("Rule prohibits generating cards for/about: \"%s\"", forbidden), true
			}
		}
	}

	if containsAny(ruleText, "don't use", "do not use", "avoid using", "stop using") {
		if m := usePattern.FindStringSubmatch(ruleText); m != nil {
			forbidden := strings.TrimSpace(m[1])
			content := body + " " + subject
			if forbidden != "" && strings.Contains(content, forbidden) {
				return fmt.Sprintf("Rule prohibits using phrase: \"%s\"", forbidden), true
			}
		}
	}
	return "", false
}

// ForbiddenPhrases extracts the phrases a rule forbids from "don't use/say/include/mention"
// templates, quoted or followed by in/when/for.
func ForbiddenPhrases(ruleText string) []string {
	var out []string
	for _, re := range []*regexp.Regexp{quotedPhrasePattern, boundPhrasePattern} {
		for _, m := range re.FindAllStringSubmatch(ruleText, -1) {
			if p := strings.TrimSpace(m[1]); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
