package greybus

import (
	"sort"

	"gbridge/internal/gberrors"
	"gbridge/internal/wire"
)

// HandlerKind distinguishes the three handler slots a driver entry may use.
type HandlerKind int

const (
	// KindReal invokes Fn to produce a response.
	KindReal HandlerKind = iota
	// KindEmpty acknowledges the request with an empty success response
	// without running any handler logic.
	KindEmpty
	// KindUnsupported rejects the request with PROTOCOL_BAD.
	KindUnsupported
)

// HandlerFunc implements one operation type. It reads op.Request and may
// call op.Respond to set the response payload; returning a non-nil error
// sets the response result byte via gberrors.ToResult instead.
type HandlerFunc func(op *Operation) error

// Handler binds a wire operation type (response bit included, when this
// entry answers a response rather than a request) to a handler slot.
type Handler struct {
	Type uint8
	Kind HandlerKind
	Fn   HandlerFunc
}

// Request builds a Handler for an inbound request of the given base type.
func Request(opType uint8, kind HandlerKind, fn HandlerFunc) Handler {
	return Handler{Type: opType, Kind: kind, Fn: fn}
}

// Response builds a Handler for the response to a request this driver
// originated, keying on the base type with the response bit set so it
// cannot collide with a Request entry of the same base type.
func Response(opType uint8, kind HandlerKind, fn HandlerFunc) Handler {
	return Handler{Type: wire.ResponseType(opType), Kind: kind, Fn: fn}
}

// Driver is a named, sorted table of operation handlers registered against
// one (interface, CPort) slot.
type Driver struct {
	Name     string
	handlers []Handler
}

// NewDriver builds a driver from handlers, which must already be sorted in
// strictly increasing order by Type — registry registration validates this
// and rejects the driver otherwise.
func NewDriver(name string, handlers ...Handler) *Driver {
	return &Driver{Name: name, handlers: handlers}
}

// sortedTypes reports whether the driver's handlers are validly ordered.
func (d *Driver) sortedTypes() bool {
	return sort.SliceIsSorted(d.handlers, func(i, j int) bool {
		return d.handlers[i].Type < d.handlers[j].Type
	}) && noDuplicateTypes(d.handlers)
}

func noDuplicateTypes(handlers []Handler) bool {
	for i := 1; i < len(handlers); i++ {
		if handlers[i].Type == handlers[i-1].Type {
			return false
		}
	}
	return true
}

// dispatch binary-searches the handler table by operation type.
func (d *Driver) dispatch(opType uint8) (Handler, bool) {
	i := sort.Search(len(d.handlers), func(i int) bool {
		return d.handlers[i].Type >= opType
	})
	if i < len(d.handlers) && d.handlers[i].Type == opType {
		return d.handlers[i], true
	}
	return Handler{}, false
}

// ErrDriverUnsorted is returned by the registry when a driver's handler
// table is not strictly increasing by type.
var ErrDriverUnsorted = &gberrors.ValidationError{Field: "driver.handlers", Message: "not strictly increasing by operation type"}
