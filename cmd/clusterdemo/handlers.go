package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mrofi/vertx-consul-clustermanager/cluster"
)

// demoHandler wires HTTP endpoints onto one cluster.Cluster instance,
// mirroring the teacher's handlers.Handler{Store} shape.
type demoHandler struct {
	cl *cluster.Cluster
}

func newDemoHandler(cl *cluster.Cluster) *demoHandler {
	return &demoHandler{cl: cl}
}

func (h *demoHandler) getMembers(c echo.Context) error {
	members := h.cl.Members()
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"nodeId":  h.cl.NodeID(),
		"state":   h.cl.State(),
		"members": ids,
	})
}

type haInfoBody struct {
	Value string `json:"value"`
}

func (h *demoHandler) putHAInfo(c echo.Context) error {
	key := c.Param("key")
	var body haInfoBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := h.cl.PutHAInfo(c.Request().Context(), key, []byte(body.Value)); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *demoHandler) getHAInfo(c echo.Context) error {
	key := c.Param("key")
	value, ok := h.cl.GetHAInfo(key)
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, map[string]string{"value": string(value)})
}

type subscribeBody struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (h *demoHandler) subscribe(c echo.Context) error {
	address := c.Param("address")
	var body subscribeBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	sub := cluster.Subscriber{Host: body.Host, Port: body.Port, NodeID: h.cl.NodeID()}
	if err := h.cl.AddSubscriber(c.Request().Context(), "eventbus", address, sub); err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *demoHandler) choose(c echo.Context) error {
	address := c.Param("address")
	choosable, err := h.cl.GetAsyncMultimap("eventbus").Get(c.Request().Context(), address)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	sub, ok := choosable.Choose()
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *demoHandler) tryLock(c echo.Context) error {
	name := c.Param("name")
	timeout := 10 * time.Second
	if raw := c.QueryParam("timeoutMs"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	ok, err := h.cl.GetLock(name).TryLock(c.Request().Context(), timeout)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if !ok {
		return c.NoContent(http.StatusConflict)
	}
	return c.NoContent(http.StatusOK)
}

func (h *demoHandler) releaseLock(c echo.Context) error {
	name := c.Param("name")
	if err := h.cl.GetLock(name).Release(c.Request().Context()); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *demoHandler) incrementCounter(c echo.Context) error {
	name := c.Param("name")
	delta := int64(1)
	if raw := c.QueryParam("delta"); raw != "" {
		if d, err := strconv.ParseInt(raw, 10, 64); err == nil {
			delta = d
		}
	}
	next, err := h.cl.GetCounter(name).IncrementAndGet(c.Request().Context(), delta)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]int64{"value": next})
}
