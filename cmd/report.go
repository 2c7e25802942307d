package cmd

import (
	"fmt"
	"io"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

// printTask writes the task log followed by a one-line summary.
func printTask(w io.Writer, task harvest.Task) {
	for _, line := range task.State.Logs {
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "task %s %s (%d items)\n", task.ID, task.Status, task.ItemCount)
}
