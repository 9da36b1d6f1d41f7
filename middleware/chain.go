// Package middleware provides an ordered, named list of http middleware, so
// deployments can insert or swap steps without rebuilding the whole stack.
package middleware

import (
	"fmt"
	"net/http"
	"slices"
)

// Func is a standard http middleware.
type Func func(next http.Handler) http.Handler

type chainedHandler struct {
	Name    string
	Handler Func
}

// Chain is an ordered list of middleware. The first entry is the outermost.
// The zero value is an empty chain.
type Chain struct {
	handlers []*chainedHandler
}

func (c *Chain) index(name string) int {
	return slices.IndexFunc(c.handlers, func(h *chainedHandler) bool { return h.Name == name })
}

func (c *Chain) Append(name string, handler Func) {
	c.handlers = append(c.handlers, &chainedHandler{Name: name, Handler: handler})
}

func (c *Chain) Prepend(name string, handler Func) {
	c.handlers = slices.Insert(c.handlers, 0, &chainedHandler{Name: name, Handler: handler})
}

// InsertBefore adds handler under newName in front of the existing entry
// named name.
func (c *Chain) InsertBefore(name, newName string, handler Func) error {
	i := c.index(name)
	if i < 0 {
		return fmt.Errorf("handler %s not found", name)
	}
	c.handlers = slices.Insert(c.handlers, i, &chainedHandler{Name: newName, Handler: handler})
	return nil
}

// InsertAfter adds handler under newName behind the existing entry named
// name.
func (c *Chain) InsertAfter(name, newName string, handler Func) error {
	i := c.index(name)
	if i < 0 {
		return fmt.Errorf("handler %s not found", name)
	}
	c.handlers = slices.Insert(c.handlers, i+1, &chainedHandler{Name: newName, Handler: handler})
	return nil
}

func (c *Chain) Remove(name string) error {
	i := c.index(name)
	if i < 0 {
		return fmt.Errorf("handler %s not found", name)
	}
	c.handlers = slices.Delete(c.handlers, i, i+1)
	return nil
}

func (c *Chain) Replace(name string, handler Func) error {
	i := c.index(name)
	if i < 0 {
		return fmt.Errorf("handler %s not found", name)
	}
	c.handlers[i] = &chainedHandler{Name: name, Handler: handler}
	return nil
}

// List returns the names of the chain's entries, outermost first.
func (c *Chain) List() []string {
	names := make([]string, len(c.handlers))
	for i, h := range c.handlers {
		names[i] = h.Name
	}
	return names
}

// Handler returns a new handler that applies the middleware chain to the
// provided handler.
func (c *Chain) Handler(h http.Handler) http.Handler {
	if c == nil {
		return h
	}
	for i := len(c.handlers) - 1; i >= 0; i-- {
		h = c.handlers[i].Handler(h)
	}
	return h
}
