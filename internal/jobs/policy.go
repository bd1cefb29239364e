// Package jobs expands long-running job definitions into sequential batches of tasks and
// each task into cards.
package jobs

import (
	"regexp"
	"sort"
	"strconv"

	"cardflow/internal/models"
)

// DefaultBatchSize bounds the targets of one batch when the job sets none.
const DefaultBatchSize = 10

// BatchPolicy decides the tasks of a job's next batch. previous holds the tasks of the
// current batch, all terminal; current is 0 before the first batch. An empty result means
// the job has nothing left to do.
type BatchPolicy interface {
	NextBatch(job models.Job, current int, previous []models.JobTask) []models.JobTask
}

// CadencePolicy plans template-driven email campaigns. Bulk jobs reuse the first template
// until targets run out; cadence jobs walk the enabled cadence days one batch at a time.
type CadencePolicy struct{}

var dayPattern = regexp.MustCompile(`Day (\d+)`)

func templateDay(name string) int {
	if m := dayPattern.FindStringSubmatch(name); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 999
}

// SortedTemplates orders template names by the number in "Day N", unnumbered last.
func SortedTemplates(templates map[string]models.EmailTemplate) []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		di, dj := templateDay(names[i]), templateDay(names[j])
		if di != dj {
			return di < dj
		}
		return names[i] < names[j]
	})
	return names
}

// CadenceDays lists the enabled follow-up days in ascending order.
func CadenceDays(c models.Cadence) []int {
	var days []int
	if c.Day0 {
		days = append(days, 0)
	}
	if c.Day4 {
		days = append(days, 4)
	}
	if c.Day10 {
		days = append(days, 10)
	}
	if c.Day21 {
		days = append(days, 21)
	}
	days = append(days, c.CustomDays...)
	sort.Ints(days)
	return days
}

// exhausted reports whether the previous bulk batch ran out of targets.
func exhausted(previous []models.JobTask) bool {
	for _, t := range previous {
		if t.Kind == models.TaskDraftEmail && t.Status == models.TaskError && (t.Output == nil || t.Output.CardsCreated == 0) {
			return true
		}
	}
	return false
}

func (CadencePolicy) NextBatch(job models.Job, current int, previous []models.JobTask) []models.JobTask {
	p := job.Params
	names := SortedTemplates(p.Templates)
	if len(names) == 0 {
		return nil
	}

	var template string
	if p.BulkMode {
		if current > 0 && exhausted(previous) {
			return nil
		}
		template = names[0]
	} else {
		if p.Cadence == nil {
			return nil
		}
		days := CadenceDays(*p.Cadence)
		if current >= len(days) {
			return nil
		}
		template = names[current%len(names)]
	}

	batch := current + 1
	draftStep := 0
	tasks := []models.JobTask{
		{
			JobID: job.ID, Step: 0, Batch: batch, Kind: models.TaskDraftEmail, Status: models.TaskPending,
			Input: models.TaskInput{Template: template, ContactIDs: p.TargetContactIDs},
		},
		{
			JobID: job.ID, Step: 1, Batch: batch, Kind: models.TaskSendEmail, Status: models.TaskPending,
			Input: models.TaskInput{DependsOnStep: &draftStep},
		},
	}
	if p.PortalChecks && len(p.PortalURLs) > 0 {
		tasks = append(tasks, models.JobTask{
			JobID: job.ID, Step: 2, Batch: batch, Kind: models.TaskCheckPortal, Status: models.TaskPending,
			Input: models.TaskInput{PortalURLs: p.PortalURLs},
		})
	}
	if p.CreateTasks {
		tasks = append(tasks, models.JobTask{
			JobID: job.ID, Step: 3, Batch: batch, Kind: models.TaskCreateTask, Status: models.TaskPending,
			Input: models.TaskInput{ContactIDs: p.TargetContactIDs, TaskTitle: p.TaskTitle, TaskDesc: p.TaskDescription},
		})
	}
	return tasks
}
