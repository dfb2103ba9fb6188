package api

import "github.com/valen20Chx/htmx-todo/domain"

const (
	viewPage     = "tasks.html"
	viewFragment = "tasks-list.html"

	formFieldTask        = "task"
	headerIdempotencyKey = "Idempotency-Key"
)

// template data for both views
type tasksPage struct {
	Tasks []domain.TaskView
}

// GET /api/tasks response body
type tasksResponse struct {
	Tasks []domain.TaskView `json:"tasks"`
}

// GET /healthz response body
type healthResponse struct {
	Status string `json:"status"`
	Tasks  int    `json:"tasks"`
}
