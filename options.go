package pacer

// Bool returns a pointer to v. It is a convenience for populating optional
// boolean option fields whose default is true (e.g. Trailing, Enabled).
func Bool(v bool) *bool { return &v }

// BoolValue resolves an optional boolean option field, returning def when the
// pointer is nil.
func BoolValue(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

// Resolve returns fn(self) when fn is non-nil, and value otherwise. It
// implements the value-or-function option contract: fields with a paired
// ...Func override are resolved at each use, never cached, so the override
// may legitimately depend on mutable instance state (e.g. counters).
func Resolve[V, S any](fn func(S) V, value V, self S) V {
	if fn != nil {
		return fn(self)
	}
	return value
}
