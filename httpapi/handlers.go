package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/raniellyferreira/localfirst-replica/frontend"
)

// EditRequest is one edit in JSON form. Op is "insert", "delete" or
// "increment"; Field defaults to the replica's text or counter field.
type EditRequest struct {
	Op    string `json:"op"`
	Field string `json:"field,omitempty"`
	Index int    `json:"index,omitempty"`
	Count int    `json:"count,omitempty"`
	Text  string `json:"text,omitempty"`
	Delta int64  `json:"delta,omitempty"`
}

// Edit converts the request to a projection edit
func (r EditRequest) Edit() (frontend.Edit, error) {
	var e frontend.Edit
	switch strings.ToLower(r.Op) {
	case "insert":
		e = frontend.Insert(r.Index, r.Text)
	case "delete":
		count := r.Count
		if count == 0 {
			count = 1
		}
		e = frontend.Delete(r.Index, count)
	case "increment", "incr":
		e = frontend.Increment(r.Delta)
	default:
		return e, fmt.Errorf("%w: unknown op %q", frontend.ErrInvalidEdit, r.Op)
	}
	if r.Field != "" {
		e = e.On(r.Field)
	}
	return e, nil
}

type editsBody struct {
	Edits []EditRequest `json:"edits" binding:"required"`
}

func toEdits(reqs []EditRequest) ([]frontend.Edit, error) {
	edits := make([]frontend.Edit, 0, len(reqs))
	for _, r := range reqs {
		e, err := r.Edit()
		if err != nil {
			return nil, err
		}
		edits = append(edits, e)
	}
	return edits, nil
}

func (a *api) editor(c *gin.Context) (*frontend.Editor, bool) {
	ed, err := a.ws.Editor(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return ed, true
}

func (a *api) state(c *gin.Context) {
	ed, ok := a.editor(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), a.timeout)
	defer cancel()

	st, err := ed.State(ctx)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *api) edit(c *gin.Context) {
	ed, ok := a.editor(c)
	if !ok {
		return
	}
	var body editsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	edits, err := toEdits(body.Edits)
	if err != nil {
		a.fail(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), a.timeout)
	defer cancel()
	st, err := ed.Edit(ctx, edits...)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *api) sync(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), a.timeout)
	defer cancel()
	if err := a.ws.Sync(ctx); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

func (a *api) info(c *gin.Context) {
	c.JSON(http.StatusOK, a.ws.Info())
}

func (a *api) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, frontend.ErrInvalidEdit):
		status = http.StatusBadRequest
	case frontend.IsClosed(err):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		a.logger.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
