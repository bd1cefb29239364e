package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cardflow/internal/llm"
	"cardflow/internal/models"
)

// Intel is what the CRM already knows about a client.
type Intel struct {
	Client     models.Client
	Contacts   []models.Contact
	Stats      models.ClientStats
	Activities []models.Activity
}

// Section headings of a research report.
const (
	headingOverview      = "## Overview"
	headingInsights      = "## Key Insights"
	headingOpportunities = "## Opportunities"
	headingRisks         = "## Risks"
	headingFollowUps     = "## Recommended Follow-ups"
)

const summarySystem = `You write short research briefs for account managers in markdown.`

// Summarize writes a markdown research brief. Callers fall back to TemplateSummary on error.
func Summarize(ctx context.Context, client llm.Client, intel Intel, results []SearchResult) (string, error) {
	if client == nil {
		return "", llm.ErrAPIKeyRequired
	}
	var b strings.Builder
	b.WriteString(formatIntel(intel))
	if len(results) > 0 {
		b.WriteString("\nWeb results:\n")
		for _, r := range results {
			fmt.Fprintf(&b, "- %s (%s): %s\n", r.Title, r.URL, truncate(r.Content, 600))
		}
	}
	fmt.Fprintf(&b, "\nWrite a brief with exactly these sections: %s, %s, %s, %s, %s. "+
		"Use bullet points under each section except the overview.",
		headingOverview, headingInsights, headingOpportunities, headingRisks, headingFollowUps)

	text, err := client.GenerateText(ctx, summarySystem, b.String())
	if err != nil {
		return "", fmt.Errorf("summarize research: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("summarize research: empty answer")
	}
	return text, nil
}

// TemplateSummary builds a brief from internal data alone.
func TemplateSummary(intel Intel, results []SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research: %s\n\n%s\n", intel.Client.CompanyName, headingOverview)
	b.WriteString(formatIntel(intel))
	fmt.Fprintf(&b, "\n%s\n", headingInsights)
	if intel.Stats.LastActivityAt != nil {
		days := int(time.Since(*intel.Stats.LastActivityAt).Hours() / 24)
		fmt.Fprintf(&b, "- Last recorded activity %d days ago\n", days)
	} else {
		b.WriteString("- No recorded activity\n")
	}
	fmt.Fprintf(&b, "- %d open tasks, %d deals worth %.0f in pipeline\n", intel.Stats.OpenTasks, intel.Stats.Deals, intel.Stats.PipelineValue)
	if len(results) > 0 {
		fmt.Fprintf(&b, "\nSources:\n")
		for _, r := range results {
			fmt.Fprintf(&b, "- %s (%s)\n", r.Title, r.URL)
		}
	}
	fmt.Fprintf(&b, "\n%s\n", headingFollowUps)
	if intel.Stats.Contacts == 0 {
		b.WriteString("- Identify a primary contact\n")
	}
	return b.String()
}

func formatIntel(intel Intel) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s\n", intel.Client.CompanyName)
	if intel.Client.Website != "" {
		fmt.Fprintf(&b, "Website: %s\n", intel.Client.Website)
	}
	fmt.Fprintf(&b, "Contacts on file: %d\nActivities: %d\nOpen tasks: %d\nDeals: %d (pipeline %.0f)\n",
		intel.Stats.Contacts, intel.Stats.Activities, intel.Stats.OpenTasks, intel.Stats.Deals, intel.Stats.PipelineValue)
	for _, c := range intel.Contacts {
		fmt.Fprintf(&b, "- %s, %s\n", c.FullName(), c.Title)
	}
	return b.String()
}

// Insights are the bullet lists pulled out of a research brief.
type Insights struct {
	KeyPoints     []string `json:"key_points,omitempty"`
	Opportunities []string `json:"opportunities,omitempty"`
	Risks         []string `json:"risks,omitempty"`
	FollowUps     []string `json:"follow_ups,omitempty"`
}

// ExtractInsights reads the bulleted sections of a brief. Unknown sections are ignored.
func ExtractInsights(summary string) Insights {
	var ins Insights
	var current *[]string
	for _, line := range strings.Split(summary, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			switch {
			case strings.EqualFold(trimmed, headingInsights):
				current = &ins.KeyPoints
			case strings.EqualFold(trimmed, headingOpportunities):
				current = &ins.Opportunities
			case strings.EqualFold(trimmed, headingRisks):
				current = &ins.Risks
			case strings.EqualFold(trimmed, headingFollowUps):
				current = &ins.FollowUps
			default:
				current = nil
			}
			continue
		}
		if current == nil {
			continue
		}
		if item, ok := bullet(trimmed); ok {
			*current = append(*current, item)
		}
	}
	return ins
}

func bullet(line string) (string, bool) {
	for _, prefix := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, prefix) {
			item := strings.TrimSpace(strings.TrimPrefix(line, prefix))
			return item, item != ""
		}
	}
	return "", false
}
