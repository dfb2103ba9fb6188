package api

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// updateBroker fans out "list changed" signals to connected SSE clients.
// Signals coalesce: a slow client sees at most one pending update.
type updateBroker struct {
	mu        sync.Mutex
	subs      map[chan struct{}]struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newUpdateBroker() *updateBroker {
	return &updateBroker{
		subs: make(map[chan struct{}]struct{}),
		done: make(chan struct{}),
	}
}

// close ends every open stream. http.Server.Shutdown does not cancel
// in-flight request contexts, so it is registered as a shutdown hook.
func (b *updateBroker) close() {
	b.closeOnce.Do(func() { close(b.done) })
}

func (b *updateBroker) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *updateBroker) unsubscribe(ch chan struct{}) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

func (b *updateBroker) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *updateBroker) notify() {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

// streamUpdates emits an "update" server-sent event whenever the task list
// changes, until the client disconnects or the server shuts down.
func streamUpdates(broker *updateBroker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx := c.Request().Context()
		ch := broker.subscribe()
		defer broker.unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-broker.done:
				return nil
			case <-ch:
				if _, err := c.Response().Write([]byte("event: update\ndata: changed\n\n")); err != nil {
					logger.WithError(err).Warn("stream write failed")
					return err
				}
				flusher.Flush()
			}
		}
	}
}
