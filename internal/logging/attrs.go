package logging

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// attrScope is the WithAttrs and WithGroup state of handlers that flatten
// records themselves. Attributes remember the groups that were open when
// they were added, so a later WithGroup does not prefix them.
type attrScope struct {
	attrs  []scopedAttr
	groups []string
}

type scopedAttr struct {
	groups []string
	attr   slog.Attr
}

func (s attrScope) withAttrs(attrs []slog.Attr) attrScope {
	next := make([]scopedAttr, len(s.attrs), len(s.attrs)+len(attrs))
	copy(next, s.attrs)
	for _, a := range attrs {
		next = append(next, scopedAttr{groups: s.groups, attr: a})
	}
	return attrScope{attrs: next, groups: s.groups}
}

func (s attrScope) withGroup(name string) attrScope {
	return attrScope{attrs: s.attrs, groups: append(slices.Clip(s.groups), name)}
}

// each calls fn for the scope's attributes, then for the record's.
func (s attrScope) each(r slog.Record, fn func(groups []string, a slog.Attr)) {
	for _, sa := range s.attrs {
		fn(sa.groups, sa.attr)
	}
	r.Attrs(func(a slog.Attr) bool {
		fn(s.groups, a)
		return true
	})
}

// flattenAttr stores a into attrs under a dotted key, expanding groups.
func flattenAttr(attrs map[string]any, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		nested := append(slices.Clip(groups), a.Key)
		if a.Key == "" {
			nested = groups
		}
		for _, ga := range a.Value.Group() {
			flattenAttr(attrs, nested, ga)
		}
		return
	}

	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	switch a.Value.Kind() {
	case slog.KindTime:
		attrs[key] = a.Value.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		attrs[key] = a.Value.Duration().String()
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			attrs[key] = err.Error()
		} else {
			attrs[key] = a.Value.Any()
		}
	default:
		attrs[key] = a.Value.Any()
	}
}

// fanout sends each record to every handler enabled for its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithAttrs(attrs)
	}
	return next
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithGroup(name)
	}
	return next
}
