package ctxreg

import "context"

type contextKey struct{}

// ContextBackend is the "external context object" alternative: used when
// the host already threads a context.Context through its call graph (as every HTTP handler in the
// corpus does), so the façade's "current record" is passed rather than
// discovered via goroutine-local storage. Because a context.Context is
// immutable, Set stores into a value cell that NewContextBackend placed on
// the context; a zero-value ContextBackend, which has no cell, behaves as an
// always-empty backend.
type ContextBackend struct {
	cell *cell
}

type cell struct {
	value any
}

// NewContextBackend returns a backend bound to ctx's value cell. If ctx
// doesn't carry one yet, it creates one and also returns a derived context
// carrying it.
func NewContextBackend(ctx context.Context) (*ContextBackend, context.Context) {
	if c, ok := ctx.Value(contextKey{}).(*cell); ok {
		return &ContextBackend{cell: c}, ctx
	}
	c := &cell{}
	return &ContextBackend{cell: c}, context.WithValue(ctx, contextKey{}, c)
}

func (b *ContextBackend) Get() (any, bool) {
	if b.cell == nil || b.cell.value == nil {
		return nil, false
	}
	return b.cell.value, true
}

func (b *ContextBackend) Set(value any) {
	if b.cell == nil {
		return
	}
	b.cell.value = value
}
