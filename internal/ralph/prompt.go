package ralph

import (
	"fmt"
	"strings"
)

// IterationPrompt builds the prompt for one loop iteration. The marker
// instructions ride along on every iteration so the agent can prove
// completion at any point in the loop.
func IterationPrompt(task string, iteration, maxIterations int, marker Marker) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are working on a coding task. This is iteration %d of %d.\n\n", iteration, maxIterations)
	b.WriteString("TASK:\n")
	b.WriteString(strings.TrimSpace(task))
	b.WriteString("\n\n")
	b.WriteString("Review the repository state, pick up any progress from earlier iterations, and continue working toward finishing the task.\n\n")
	fmt.Fprintf(&b, "When and only when the task is fully complete, end your reply with this exact line on its own line:\n\n%s\n\n", marker.Tag())
	b.WriteString("Do not output that line otherwise. Never place it inside code fences or inline code, and do not discuss it elsewhere in your reply. If the task is not finished yet, keep working and end without it.\n")

	return b.String()
}
