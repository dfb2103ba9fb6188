package domain

import "strings"

// Task represents a single to-do item held by the task store. It carries no
// identifier of its own; identity is its position in the list.
type Task struct {
	Description string `json:"description"`
	Done        bool   `json:"done"`
}

// TaskView is the render-facing projection of a Task. ID is the zero-based
// position of the task at projection time and is only meaningful until the
// next removal.
type TaskView struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	Done        bool   `json:"done"`
}

// NormalizeDescription trims surrounding whitespace. An empty result means the
// description must not be stored.
func NormalizeDescription(desc string) string {
	return strings.TrimSpace(desc)
}

// Project decorates every task with its current index.
func Project(tasks []Task) []TaskView {
	views := make([]TaskView, len(tasks))
	for i, t := range tasks {
		views[i] = TaskView{
			ID:          i,
			Description: t.Description,
			Done:        t.Done,
		}
	}
	return views
}
