// Package capability scores idle worker agents against a task's
// capability requirements, the way the teacher's scheduler filters and
// ranks candidate tasks against available agent slots, but on the
// capability axis rather than the dependency-graph axis.
package capability

import (
	"sort"

	"github.com/elemental-run/agentcore/pkg/models"
)

// Eligible reports whether worker satisfies every required skill and
// language for task and has a free assignment slot.
func Eligible(worker models.IdleWorkerSnapshot, task models.TaskRequirements) bool {
	if worker.CurrentlyAssignedCount >= worker.Capabilities.MaxConcurrentTasks {
		return false
	}
	if !models.HasAll(worker.Capabilities.Skills, task.RequiredSkills) {
		return false
	}
	if !models.HasAll(worker.Capabilities.Languages, task.RequiredLanguages) {
		return false
	}
	return true
}

// Score ranks an eligible worker by how much of the task's preferred
// skill/language set it covers. Higher is better.
func Score(worker models.IdleWorkerSnapshot, task models.TaskRequirements) int {
	return models.IntersectionCount(worker.Capabilities.Skills, task.PreferredSkills) +
		models.IntersectionCount(worker.Capabilities.Languages, task.PreferredLanguages)
}

// Rank filters workers to those eligible for task and sorts them best
// match first: score descending, then fewer currently assigned tasks,
// then agent id ascending.
func Rank(workers []models.IdleWorkerSnapshot, task models.TaskRequirements) []models.IdleWorkerSnapshot {
	eligible := make([]models.IdleWorkerSnapshot, 0, len(workers))
	for _, w := range workers {
		if Eligible(w, task) {
			eligible = append(eligible, w)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		si, sj := Score(eligible[i], task), Score(eligible[j], task)
		if si != sj {
			return si > sj
		}
		if eligible[i].CurrentlyAssignedCount != eligible[j].CurrentlyAssignedCount {
			return eligible[i].CurrentlyAssignedCount < eligible[j].CurrentlyAssignedCount
		}
		return eligible[i].AgentID < eligible[j].AgentID
	})
	return eligible
}

// Best returns the top-ranked eligible worker for task, if any.
func Best(workers []models.IdleWorkerSnapshot, task models.TaskRequirements) (models.IdleWorkerSnapshot, bool) {
	ranked := Rank(workers, task)
	if len(ranked) == 0 {
		return models.IdleWorkerSnapshot{}, false
	}
	return ranked[0], true
}
