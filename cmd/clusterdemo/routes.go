package main

import "github.com/labstack/echo/v4"

// setupRoutes registers the demo's cluster-primitive endpoints with the
// Echo instance, mirroring the teacher's routes.SetupRoutes shape.
func setupRoutes(e *echo.Echo, h *demoHandler) {
	e.GET("/members", h.getMembers)

	e.PUT("/hainfo/:key", h.putHAInfo)
	e.GET("/hainfo/:key", h.getHAInfo)

	e.POST("/subs/:address", h.subscribe)
	e.GET("/subs/:address/choose", h.choose)

	e.POST("/locks/:name/try", h.tryLock)
	e.POST("/locks/:name/release", h.releaseLock)

	e.POST("/counters/:name/incr", h.incrementCounter)
}
