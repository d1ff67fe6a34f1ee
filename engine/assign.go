package engine

import (
	"strings"

	"github.com/AltairaLabs/foreman/pool"
	"github.com/AltairaLabs/foreman/types"
)

// AssignmentPolicy maps a group of runnable tasks onto the workflow's pods.
// Implementations must be safe for concurrent use.
type AssignmentPolicy interface {
	// Assign returns a pod ID for each task in the group. Pods arrive in
	// spawn priority order. Tasks left unassigned fall back to the first
	// pod.
	Assign(tasks []*types.Task, pods []*pool.Pod) map[string]string
}

// KeywordAssigner is the default assignment policy. An explicit pod binding
// on the task wins; otherwise the task text is scored against each pod
// role's keyword list and the best match takes it, preferring idle pods on
// ties. Tasks matching nothing are spread round-robin.
type KeywordAssigner struct {
	keywords map[string][]string
}

// NewKeywordAssigner builds an assigner from a role -> keywords table.
func NewKeywordAssigner(keywords map[string][]string) *KeywordAssigner {
	return &KeywordAssigner{keywords: keywords}
}

// Assign implements AssignmentPolicy.
func (a *KeywordAssigner) Assign(tasks []*types.Task, pods []*pool.Pod) map[string]string {
	out := make(map[string]string, len(tasks))
	if len(pods) == 0 {
		return out
	}

	byID := make(map[string]*pool.Pod, len(pods))
	for _, p := range pods {
		byID[p.ID] = p
	}

	next := 0
	for _, task := range tasks {
		if task.AssignedPod != "" {
			if _, ok := byID[task.AssignedPod]; ok {
				out[task.ID] = task.AssignedPod
				continue
			}
		}
		if pod := a.bestMatch(task, pods); pod != nil {
			out[task.ID] = pod.ID
			continue
		}
		out[task.ID] = pods[next%len(pods)].ID
		next++
	}
	return out
}

// bestMatch scores the task text against each pod role's keywords and
// returns the highest-scoring pod, or nil when nothing matches.
func (a *KeywordAssigner) bestMatch(task *types.Task, pods []*pool.Pod) *pool.Pod {
	text := strings.ToLower(task.Name + " " + task.Description)

	var best *pool.Pod
	bestScore := 0
	for _, pod := range pods {
		score := 0
		for _, kw := range a.keywords[pod.Role] {
			if strings.Contains(text, kw) {
				score++
			}
		}
		if score == 0 {
			continue
		}
		switch {
		case score > bestScore:
			best, bestScore = pod, score
		case score == bestScore && best != nil && best.Status != pool.PodIdle && pod.Status == pool.PodIdle:
			best = pod
		}
	}
	return best
}
