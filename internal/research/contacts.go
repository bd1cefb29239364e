package research

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"cardflow/internal/llm"
	"cardflow/internal/models"
)

// Candidate is a person found during research who may become a CRM contact.
type Candidate struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Title     string `json:"title,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Reachable reports whether the candidate can be contacted at all.
func (c Candidate) Reachable() bool {
	return c.Email != "" || c.Phone != ""
}

func (c Candidate) fullName() string {
	return strings.ToLower(strings.TrimSpace(c.FirstName + " " + c.LastName))
}

var validEmail = regexp.MustCompile(`^[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}$`)

const extractSystem = `You extract people from web research. Answer with a JSON array only.`

// ExtractContacts asks the model for people who work at company, using the search results
// and page contents as the only source.
func ExtractContacts(ctx context.Context, client llm.Client, company string, results []SearchResult, pages []Page) ([]Candidate, error) {
	if client == nil {
		return nil, llm.ErrAPIKeyRequired
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s\n\n", company)
	for _, r := range results {
		fmt.Fprintf(&b, "Result: %s (%s)\n%s\n\n", r.Title, r.URL, truncate(r.Content, 1200))
	}
	for _, p := range pages {
		fmt.Fprintf(&b, "Page: %s\nEmails: %s\nPhones: %s\n%s\n\n", p.URL,
			strings.Join(p.Emails, ", "), strings.Join(p.Phones, ", "), truncate(p.Text, 2000))
	}
	b.WriteString(`List people who work at the company. Use only details present above; never guess
an email or phone. Answer as [{"first_name","last_name","title","email","phone"}].`)

	raw, err := client.GenerateJSON(ctx, extractSystem, b.String())
	if err != nil {
		return nil, fmt.Errorf("extract contacts: %w", err)
	}
	var out []Candidate
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode contacts: %w", err)
	}
	for i := range out {
		out[i].Source = "research"
	}
	return ValidateCandidates(out), nil
}

// ValidateCandidates trims fields, drops malformed emails and removes nameless entries.
func ValidateCandidates(in []Candidate) []Candidate {
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		c.FirstName = strings.TrimSpace(c.FirstName)
		c.LastName = strings.TrimSpace(c.LastName)
		c.Title = strings.TrimSpace(c.Title)
		c.Email = strings.ToLower(strings.TrimSpace(c.Email))
		c.Phone = strings.TrimSpace(c.Phone)
		if c.Email != "" && !validEmail.MatchString(c.Email) {
			c.Email = ""
		}
		if c.FirstName == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// DedupeCandidates drops candidates that match an existing contact or an earlier
// candidate by email, phone or full name.
func DedupeCandidates(candidates []Candidate, existing []models.Contact) []Candidate {
	emails := map[string]bool{}
	phones := map[string]bool{}
	names := map[string]bool{}
	for _, c := range existing {
		if c.Email != "" {
			emails[strings.ToLower(c.Email)] = true
		}
		if p := digits(c.Phone); p != "" {
			phones[p] = true
		}
		names[strings.ToLower(strings.TrimSpace(c.FullName()))] = true
	}
	var out []Candidate
	for _, c := range candidates {
		p := digits(c.Phone)
		if (c.Email != "" && emails[c.Email]) || (p != "" && phones[p]) || names[c.fullName()] {
			continue
		}
		if c.Email != "" {
			emails[c.Email] = true
		}
		if p != "" {
			phones[p] = true
		}
		names[c.fullName()] = true
		out = append(out, c)
	}
	return out
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
