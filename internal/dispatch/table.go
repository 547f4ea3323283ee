package dispatch

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/danmuck/edgenode/internal/protocol/osc"
)

var (
	ErrHandlerNil     = errors.New("dispatch: handler is nil")
	ErrInvalidPattern = errors.New("dispatch: invalid address pattern")
	ErrNoReply        = errors.New("dispatch: request has no reply path")
)

// Request is one inbound message plus where it came from.
type Request struct {
	Message osc.Message
	Source  netip.AddrPort
	Reply   func(osc.Message) error
}

// Respond sends m back over the transport the request arrived on.
func (r Request) Respond(m osc.Message) error {
	if r.Reply == nil {
		return ErrNoReply
	}
	return r.Reply(m)
}

type Handler interface {
	ServeMessage(Request)
}

type HandlerFunc func(Request)

func (f HandlerFunc) ServeMessage(r Request) { f(r) }

type route struct {
	pattern string
	literal bool
	handler Handler
}

// Table routes messages to the first registered pattern that matches.
// Registration order is precedence; duplicates are allowed and shadowed.
type Table struct {
	routes []route
}

func NewTable() *Table {
	return &Table{}
}

// Register appends a route.
func (t *Table) Register(pattern string, h Handler) error {
	if h == nil {
		return ErrHandlerNil
	}
	if pattern == "" || pattern[0] != '/' {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	t.routes = append(t.routes, route{
		pattern: pattern,
		literal: !osc.HasWildcard(pattern),
		handler: h,
	})
	return nil
}

func (t *Table) RegisterFunc(pattern string, fn func(Request)) error {
	if fn == nil {
		return ErrHandlerNil
	}
	return t.Register(pattern, HandlerFunc(fn))
}

// Route invokes at most one handler and reports whether one matched.
func (t *Table) Route(req Request) bool {
	addr := req.Message.Address
	for _, r := range t.routes {
		if r.literal {
			if r.pattern != addr {
				continue
			}
		} else if !osc.Match(r.pattern, addr) {
			continue
		}
		r.handler.ServeMessage(req)
		return true
	}
	return false
}

// Dispatch routes a message with no source or reply path.
func (t *Table) Dispatch(m osc.Message) bool {
	return t.Route(Request{Message: m})
}

func (t *Table) Len() int {
	return len(t.routes)
}

// Patterns lists registered patterns in precedence order.
func (t *Table) Patterns() []string {
	out := make([]string, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r.pattern)
	}
	return out
}
