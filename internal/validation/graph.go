package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/flowpilot/pkg/schema"
)

// validateGraph analyses the transition graph. Cycles are legal (a flow may
// loop back to a selection) so only these are reported:
//   - steps unreachable from the initial step (warning)
//   - no final step reachable (error)
//   - non-final steps without outgoing transitions (warning)
//   - cycles made only of auto-continue edges (warning; the executor stops
//     them at MaxAutoContinueDepth)
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(def.Transitions) == 0 {
		// Transitions may live entirely on the authority.
		return result
	}

	out := make(map[string][]string, len(def.Steps))
	auto := make(map[string][]string)
	for _, tr := range def.Transitions {
		out[tr.From] = append(out[tr.From], tr.To)
		if tr.AutoContinue {
			auto[tr.From] = append(auto[tr.From], tr.To)
		}
	}

	reachable := map[string]bool{def.InitialStep: true}
	queue := []string{def.InitialStep}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range out[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	finalReachable := false
	finals := make(map[string]bool, len(def.FinalSteps))
	for _, id := range def.FinalSteps {
		finals[id] = true
		if reachable[id] {
			finalReachable = true
		}
	}
	if !finalReachable {
		result.AddError("finalSteps", schema.ErrCodeNoTransition,
			fmt.Sprintf("no final step is reachable from %q", def.InitialStep))
	}

	for _, s := range def.Steps {
		if !reachable[s.ID] {
			result.AddWarning(fmt.Sprintf("steps[%s]", s.ID), schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from %q", s.ID, def.InitialStep))
		}
		if !finals[s.ID] && len(out[s.ID]) == 0 && reachable[s.ID] {
			result.AddWarning(fmt.Sprintf("steps[%s]", s.ID), schema.ErrCodeNoTransition,
				fmt.Sprintf("step %q has no outgoing transition", s.ID))
		}
	}

	if cyclic := autoCycleMembers(def.Steps, auto); len(cyclic) > 0 {
		result.AddWarning("transitions", schema.ErrCodeRecursionLimit,
			fmt.Sprintf("auto-continue cycle through %v", cyclic))
	}
	return result
}

// autoCycleMembers runs Kahn's algorithm over the auto-continue subgraph and
// returns the sorted ids left with a non-zero in-degree.
func autoCycleMembers(steps []schema.Step, auto map[string][]string) []string {
	inDegree := make(map[string]int, len(steps))
	for _, s := range steps {
		inDegree[s.ID] = 0
	}
	for _, targets := range auto {
		for _, to := range targets {
			inDegree[to]++
		}
	}

	queue := make([]string, 0, len(inDegree))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, to := range auto[node] {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	var cyclic []string
	for id, deg := range inDegree {
		if deg > 0 {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	return cyclic
}
