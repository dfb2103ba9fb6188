package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/valen20Chx/htmx-todo/domain"
)

// Register wires up all routes on the provided Echo instance. deduper and
// events are optional. Open streams are closed when e.Server shuts down.
func Register(e *echo.Echo, store Store, deduper Deduper, events *EventSender, logger *log.Logger) {
	broker := newUpdateBroker()
	e.Server.RegisterOnShutdown(broker.close)
	changes := &changeNotifier{broker: broker, events: events}

	e.GET("/", instrument("/", logger, showTasks(store)))
	e.GET("/tasks", instrument("/tasks", logger, listTasks(store)))
	e.POST("/add", instrument("/add", logger, addTask(store, deduper, changes, logger)))
	e.DELETE("/delete/:id", instrument("/delete/:id", logger, deleteTask(store, changes)))
	e.PATCH("/check/:id", instrument("/check/:id", logger, checkTask(store, changes)))

	e.GET("/api/tasks", instrument("/api/tasks", logger, getTasksJSON(store)))
	e.GET("/healthz", instrument("/healthz", logger, healthz(store)))
	e.GET("/stream", streamUpdates(broker, logger))
}

type instrumentedHandler func(c echo.Context, m *requestMetrics) error

func instrument(route string, logger *log.Logger, h instrumentedHandler) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, route, c.Request().Method)
		c.SetRequest(c.Request().WithContext(ctx))
		metrics.SetRequestID(requestIDFrom(c))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()
		return h(c, metrics)
	}
}

// changeNotifier tells live clients and the activity feed about effective
// mutations. It is only called after the store lock has been released.
type changeNotifier struct {
	broker *updateBroker
	events *EventSender
	lastTS atomic.Int64
}

func (n *changeNotifier) changed(eventType string, position int, description string) {
	n.broker.notify()
	n.events.Send(domain.TaskEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		Position:    position,
		Description: description,
		Timestamp:   n.stamp(time.Now().UnixNano()),
	})
}

// stamp returns now, or one past the last stamp handed out, so events keep
// their order even when the clock stalls or steps back.
func (n *changeNotifier) stamp(now int64) int64 {
	for {
		last := n.lastTS.Load()
		next := max(now, last+1)
		if n.lastTS.CompareAndSwap(last, next) {
			return next
		}
	}
}

func showTasks(store Store) instrumentedHandler {
	return func(c echo.Context, m *requestMetrics) error {
		start := time.Now()
		tasks := store.List()
		m.ObserveStore(time.Since(start))
		return render(c, m, viewPage, tasks)
	}
}

func listTasks(store Store) instrumentedHandler {
	return func(c echo.Context, m *requestMetrics) error {
		start := time.Now()
		tasks := store.List()
		m.ObserveStore(time.Since(start))
		return render(c, m, viewFragment, tasks)
	}
}

func addTask(store Store, deduper Deduper, changes *changeNotifier, logger *log.Logger) instrumentedHandler {
	return func(c echo.Context, m *requestMetrics) error {
		ctx := c.Request().Context()
		desc := c.FormValue(formFieldTask)

		key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
		if key != "" && deduper != nil {
			fresh, err := deduper.Add(ctx, key)
			if err != nil {
				// fail open on Redis errors
				logger.WithError(err).WithField("key", key).Warn("idempotency check failed")
				key = ""
			} else if !fresh {
				logger.WithField("key", key).Debug("duplicate add request skipped")
				m.SetSkipped(true)
				return render(c, m, viewFragment, store.List())
			}
		} else {
			key = ""
		}

		start := time.Now()
		tasks, added := store.Append(desc)
		m.ObserveStore(time.Since(start))

		if !added {
			m.SetSkipped(true)
			logger.Debug("empty task description ignored")
			if key != "" {
				if err := deduper.Remove(ctx, key); err != nil {
					logger.WithError(err).WithField("key", key).Warn("idempotency rollback failed")
				}
			}
			return render(c, m, viewFragment, tasks)
		}

		last := len(tasks) - 1
		changes.changed(domain.EventTaskAdded, last, tasks[last].Description)
		return render(c, m, viewFragment, tasks)
	}
}

func deleteTask(store Store, changes *changeNotifier) instrumentedHandler {
	return func(c echo.Context, m *requestMetrics) error {
		id, err := parseTaskID(c.Param("id"))
		if err != nil {
			m.Fail("invalid_id", err)
			return c.String(http.StatusBadRequest, "invalid task id")
		}

		start := time.Now()
		tasks, err := store.RemoveAt(id)
		m.ObserveStore(time.Since(start))
		if err != nil {
			m.Fail("store", err)
			return c.String(http.StatusInternalServerError, fmt.Sprintf("Failed to delete task. Error: %v", err))
		}

		changes.changed(domain.EventTaskRemoved, id, "")
		return render(c, m, viewFragment, tasks)
	}
}

func checkTask(store Store, changes *changeNotifier) instrumentedHandler {
	return func(c echo.Context, m *requestMetrics) error {
		id, err := parseTaskID(c.Param("id"))
		if err != nil {
			m.Fail("invalid_id", err)
			return c.String(http.StatusBadRequest, "invalid task id")
		}

		start := time.Now()
		tasks, changed := store.MarkDoneAt(id)
		m.ObserveStore(time.Since(start))
		if !changed {
			m.SetSkipped(true)
			return render(c, m, viewFragment, tasks)
		}

		changes.changed(domain.EventTaskCompleted, id, tasks[id].Description)
		return render(c, m, viewFragment, tasks)
	}
}

func getTasksJSON(store Store) instrumentedHandler {
	return func(c echo.Context, m *requestMetrics) error {
		start := time.Now()
		views := domain.Project(store.List())
		m.ObserveStore(time.Since(start))
		m.SetTasksReturned(len(views))
		return c.JSON(http.StatusOK, tasksResponse{Tasks: views})
	}
}

func healthz(store Store) instrumentedHandler {
	return func(c echo.Context, m *requestMetrics) error {
		n := store.Len()
		m.SetTasksReturned(n)
		return c.JSON(http.StatusOK, healthResponse{Status: "ok", Tasks: n})
	}
}

// render projects tasks and hands them to the registered renderer. Renderer
// failures become a 500 carrying the renderer's message.
func render(c echo.Context, m *requestMetrics, view string, tasks []domain.Task) error {
	views := domain.Project(tasks)
	m.SetTasksReturned(len(views))

	start := time.Now()
	err := c.Render(http.StatusOK, view, tasksPage{Tasks: views})
	m.ObserveRender(time.Since(start))
	if err != nil {
		m.Fail("render", err)
		return c.String(http.StatusInternalServerError, fmt.Sprintf("Failed to render template. Error: %v", err))
	}
	return nil
}

func parseTaskID(raw string) (int, error) {
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse task id %q: %w", raw, err)
	}
	if id < 0 {
		return 0, fmt.Errorf("negative task id %d", id)
	}
	return id, nil
}
