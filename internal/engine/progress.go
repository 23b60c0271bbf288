package engine

import (
	"curricord/internal/domain"
)

// progressForExecution derives the session progress percentage and phase from
// the workflow snapshot and the execution's tasks so far.
//
// The denominator is the weight of every declared step, created or not, which
// keeps the percentage stable as later steps materialize. Phase names the
// earliest declared step that is running, then the earliest that is pending or
// not yet created; with neither, a non-terminal execution is "finalizing".
func progressForExecution(wf domain.Workflow, tasks []domain.AgentTask) (int, string) {
	byStep := make(map[string]domain.AgentTask, len(tasks))
	for _, t := range tasks {
		byStep[t.StepID] = t
	}

	total := 0
	completed := 0
	for _, step := range wf.Steps {
		w := step.StepWeight()
		total += w
		if t, ok := byStep[step.ID]; ok && t.Status == domain.TaskCompleted {
			completed += w
		}
	}
	pct := 0
	if total > 0 {
		pct = completed * 100 / total
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	for _, step := range wf.Steps {
		if t, ok := byStep[step.ID]; ok && t.Status == domain.TaskRunning {
			return pct, step.ID
		}
	}
	for _, step := range wf.Steps {
		t, ok := byStep[step.ID]
		if !ok || t.Status == domain.TaskPending {
			return pct, step.ID
		}
	}
	return pct, domain.PhaseFinalizing
}

// readySteps returns declared steps whose dependencies have all completed and
// which have no task yet.
func readySteps(wf domain.Workflow, tasks []domain.AgentTask) []domain.WorkflowStep {
	byStep := make(map[string]domain.AgentTask, len(tasks))
	for _, t := range tasks {
		byStep[t.StepID] = t
	}
	var ready []domain.WorkflowStep
	for _, step := range wf.Steps {
		if _, exists := byStep[step.ID]; exists {
			continue
		}
		ok := true
		for _, dep := range step.DependsOn {
			t, has := byStep[dep]
			if !has || t.Status != domain.TaskCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, step)
		}
	}
	return ready
}

// stepOrder maps each declared step to its position in the definition. The
// position is stamped onto tasks so equal-priority work dispatches in
// declaration order.
func stepOrder(wf domain.Workflow) map[string]int {
	order := make(map[string]int, len(wf.Steps))
	for i, step := range wf.Steps {
		order[step.ID] = i
	}
	return order
}
