package api

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// RequestIDMiddleware propagates the caller's X-Request-ID or assigns a uuid,
// echoing it back on the response.
func RequestIDMiddleware() echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	})
}

func requestIDFrom(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}
