// Package contextbuild assembles the bounded, ranked snapshot the planner works from.
package contextbuild

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"cardflow/internal/models"
	"cardflow/internal/store"
)

const (
	DefaultRecencyWindow = 3 * 24 * time.Hour
	DefaultMaxClients    = 15
	DefaultMaxMemories   = 10

	signalWindow   = 7 * 24 * time.Hour
	activityWindow = 90 * 24 * time.Hour
	// neverContacted is reported for clients without any contact activity.
	neverContacted = 999
	memoryFetch    = 50
)

// Builder produces a planner snapshot for a tenant.
type Builder interface {
	Build(ctx context.Context, tenantID string) (models.Snapshot, error)
}

// Store is the read side the builder needs.
type Store interface {
	ListGoals(ctx context.Context, tenantID string) ([]models.Goal, error)
	ListClients(ctx context.Context, tenantID string, activeOnly bool) ([]models.Client, error)
	ListContacts(ctx context.Context, clientID string) ([]models.Contact, error)
	ListActivities(ctx context.Context, tenantID string, since time.Time) ([]models.Activity, error)
	ListMemories(ctx context.Context, q store.MemoryQuery) ([]models.Memory, error)
}

// Options bounds the snapshot.
type Options struct {
	// RecencyWindow keeps recently contacted clients out of the top of the ranking.
	RecencyWindow time.Duration
	MaxClients    int
	MaxMemories   int
}

func (o Options) withDefaults() Options {
	if o.RecencyWindow <= 0 {
		o.RecencyWindow = DefaultRecencyWindow
	}
	if o.MaxClients <= 0 {
		o.MaxClients = DefaultMaxClients
	}
	if o.MaxMemories <= 0 {
		o.MaxMemories = DefaultMaxMemories
	}
	return o
}

// StoreBuilder reads the snapshot from the CRM store. Any read error fails the build.
type StoreBuilder struct {
	store Store
	opts  Options
	now   func() time.Time
}

func NewStoreBuilder(s Store, opts Options) *StoreBuilder {
	return &StoreBuilder{store: s, opts: opts.withDefaults(), now: time.Now}
}

func (b *StoreBuilder) Build(ctx context.Context, tenantID string) (models.Snapshot, error) {
	now := b.now()

	goals, err := b.store.ListGoals(ctx, tenantID)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("context goals: %w", err)
	}
	clients, err := b.store.ListClients(ctx, tenantID, true)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("context clients: %w", err)
	}
	activities, err := b.store.ListActivities(ctx, tenantID, now.Add(-activityWindow))
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("context activities: %w", err)
	}
	mems, err := b.store.ListMemories(ctx, store.MemoryQuery{TenantID: tenantID, Limit: memoryFetch})
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("context memories: %w", err)
	}

	progress := make([]models.GoalProgress, 0, len(goals))
	for _, g := range goals {
		progress = append(progress, goalProgress(g, now))
	}
	pressure := MeanPressure(progress)

	byClient := map[string][]models.Activity{}
	for _, a := range activities {
		if a.ClientID != "" {
			byClient[a.ClientID] = append(byClient[a.ClientID], a)
		}
	}

	ranked := make([]rankedClient, 0, len(clients))
	for _, c := range clients {
		acts := byClient[c.ID]
		last := lastContact(acts)
		cc := models.ClientContext{
			Client:          c,
			LastContactDays: contactDays(last, now),
			EngagementScore: engagement(acts),
		}
		recent := !last.IsZero() && now.Sub(last) < b.opts.RecencyWindow
		cc.PriorityScore = priorityScore(cc, pressure, recent)
		ranked = append(ranked, rankedClient{ctx: cc, recent: recent})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].recent != ranked[j].recent {
			return !ranked[i].recent
		}
		return ranked[i].ctx.PriorityScore > ranked[j].ctx.PriorityScore
	})
	if len(ranked) > b.opts.MaxClients {
		ranked = ranked[:b.opts.MaxClients]
	}

	out := make([]models.ClientContext, 0, len(ranked))
	for _, r := range ranked {
		cc := r.ctx
		contacts, err := b.store.ListContacts(ctx, cc.Client.ID)
		if err != nil {
			return models.Snapshot{}, fmt.Errorf("context contacts for %s: %w", cc.Client.ID, err)
		}
		cc.Contacts = contacts
		cc.RecentActivities = capActivities(byClient[cc.Client.ID], 5)
		out = append(out, cc)
	}

	memories := make([]models.Memory, 0, b.opts.MaxMemories)
	for _, m := range mems {
		if m.Scope == models.ScopeCardFilterLog {
			continue
		}
		if len(memories) == b.opts.MaxMemories {
			break
		}
		memories = append(memories, m)
	}

	return models.Snapshot{
		TenantID:    tenantID,
		Goals:       progress,
		Clients:     out,
		Signals:     signals(activities, now),
		Memories:    memories,
		GeneratedAt: now,
	}, nil
}

type rankedClient struct {
	ctx    models.ClientContext
	recent bool
}

// MeanPressure averages goal pressure; zero without goals.
func MeanPressure(goals []models.GoalProgress) float64 {
	if len(goals) == 0 {
		return 0
	}
	var sum float64
	for _, g := range goals {
		sum += g.PressureScore
	}
	return sum / float64(len(goals))
}

func goalProgress(g models.Goal, now time.Time) models.GoalProgress {
	gp := models.GoalProgress{Goal: g}
	if g.TargetValue > 0 {
		gp.Progress = g.CurrentValue / g.TargetValue * 100
	}
	gp.GapToTarget = math.Max(0, g.TargetValue-g.CurrentValue)
	gp.DaysRemaining = int(math.Max(0, math.Ceil(g.PeriodEnd.Sub(now).Hours()/24)))

	period := g.PeriodEnd.Sub(g.PeriodStart)
	elapsed := 1.0
	if period > 0 {
		elapsed = clamp(now.Sub(g.PeriodStart).Seconds()/period.Seconds(), 0, 1)
	}
	// behind schedule when the share of the period used exceeds the share of the target met
	gp.PressureScore = clamp(elapsed-gp.Progress/100, 0, 1)
	return gp
}

func lastContact(acts []models.Activity) time.Time {
	var last time.Time
	for _, a := range acts {
		if a.Type == models.ActivityEmail || a.Type == models.ActivityCall || a.Type == models.ActivityMeeting {
			if a.CreatedAt.After(last) {
				last = a.CreatedAt
			}
		}
	}
	return last
}

func contactDays(last, now time.Time) int {
	if last.IsZero() {
		return neverContacted
	}
	return int(now.Sub(last).Hours() / 24)
}

func engagement(acts []models.Activity) float64 {
	var score float64
	for _, a := range acts {
		switch {
		case a.Type == models.ActivityEmail && a.Outcome == "reply":
			score += 0.5
		case a.Type == models.ActivityEmail:
			score += 0.2
		case a.Type == models.ActivityCall, a.Type == models.ActivityMeeting:
			score += 0.8
		default:
			score += 0.1
		}
	}
	return math.Min(1, score/5)
}

func priorityScore(cc models.ClientContext, pressure float64, recent bool) float64 {
	staleness := math.Min(float64(cc.LastContactDays), 60) / 60
	score := (staleness*50 + cc.EngagementScore*30) * (1 + pressure*0.5)
	if recent {
		score *= 0.3
	}
	return score
}

func signals(acts []models.Activity, now time.Time) models.Signals {
	var s models.Signals
	since := now.Add(-signalWindow)
	for _, a := range acts {
		if a.CreatedAt.Before(since) {
			continue
		}
		switch a.Type {
		case models.ActivityEmail:
			if a.Outcome == "reply" {
				s.EmailReplies++
			} else {
				s.EmailsSent++
			}
		case models.ActivityMeeting:
			if a.Status == models.ActivityScheduled {
				s.MeetingsBooked++
			}
		case models.ActivityTask:
			s.TasksCreated++
		case models.ActivityNote:
			if a.Metadata["deal_id"] != nil {
				s.DealsCreated++
			}
		}
	}
	return s
}

func capActivities(acts []models.Activity, n int) []models.Activity {
	sorted := append([]models.Activity(nil), acts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
