package plan

// Clone returns a deep copy of p. Stored snapshots are only ever handed out as clones.
func (p Plan) Clone() Plan {
	out := p
	out.Root = p.Root.Clone()
	out.Capabilities = p.Capabilities.Clone()
	out.Metadata = CloneMap(p.Metadata)
	out.State = CloneMap(p.State)
	if p.Source != nil {
		src := *p.Source
		src.Imports = cloneStrings(p.Source.Imports)
		out.Source = &src
	}
	return out
}

// Clone returns a deep copy of the subtree rooted at c.
func (c *Component) Clone() *Component {
	if c == nil {
		return nil
	}
	out := &Component{
		Type:  c.Type,
		Key:   c.Key,
		Text:  c.Text,
		Props: CloneMap(c.Props),
	}
	if c.Children != nil {
		out.Children = make([]*Component, len(c.Children))
		for i, child := range c.Children {
			out.Children[i] = child.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the capabilities.
func (c Capabilities) Clone() Capabilities {
	c.NetworkHosts = cloneStrings(c.NetworkHosts)
	c.AllowedModules = cloneStrings(c.AllowedModules)
	return c
}

// Clone returns a deep copy of the event, or nil.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	return &Event{Type: e.Type, Payload: CloneMap(e.Payload)}
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	return Record{Plan: r.Plan.Clone(), RegisteredAt: r.RegisteredAt}
}

// CloneMap deep-copies a JSON-like map. Nested maps and slices are copied;
// scalar values are shared.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a JSON-like value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case []string:
		return cloneStrings(t)
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, e := range t {
			out[i] = CloneMap(e)
		}
		return out
	default:
		return v
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
