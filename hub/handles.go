package hub

// handleTable maps opaque Context tokens given to native callbacks back to Go values.
// Each put is matched by exactly one release. Zero Context is never issued.
// Single goroutine only.
type handleTable struct {
	last Context
	m    map[Context]interface{}
}

func (t *handleTable) put(v interface{}) Context {
	if t.m == nil {
		t.m = make(map[Context]interface{})
	}
	for {
		t.last++
		if _, busy := t.m[t.last]; t.last != 0 && !busy {
			break
		}
	}
	t.m[t.last] = v
	return t.last
}

func (t *handleTable) get(c Context) (interface{}, bool) {
	v, ok := t.m[c]
	return v, ok
}

// take returns value and releases token.
func (t *handleTable) take(c Context) (interface{}, bool) {
	v, ok := t.m[c]
	if ok {
		delete(t.m, c)
	}
	return v, ok
}

func (t *handleTable) release(c Context) bool {
	_, ok := t.take(c)
	return ok
}

// drain releases all tokens, returns values in unspecified order.
func (t *handleTable) drain() []interface{} {
	vs := make([]interface{}, 0, len(t.m))
	for c, v := range t.m {
		vs = append(vs, v)
		delete(t.m, c)
	}
	return vs
}

func (t *handleTable) len() int { return len(t.m) }
