package llm

// ToolCallAccumulator merges streamed tool-call fragments by their stream
// index. Backends send the call ID and name once and the JSON arguments in
// pieces; Calls returns the merged calls in first-seen order.
type ToolCallAccumulator struct {
	byIndex map[int]*ToolCall
	order   []int
}

// Add merges one fragment.
func (a *ToolCallAccumulator) Add(idx int, id, name, args string) {
	if a.byIndex == nil {
		a.byIndex = make(map[int]*ToolCall)
	}
	tc, ok := a.byIndex[idx]
	if !ok {
		tc = &ToolCall{}
		a.byIndex[idx] = tc
		a.order = append(a.order, idx)
	}
	if id != "" {
		tc.ID = id
	}
	if name != "" {
		tc.Name = name
	}
	tc.Arguments += args
}

// Calls returns the merged tool calls, or nil if none were seen.
func (a *ToolCallAccumulator) Calls() []ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		out = append(out, *a.byIndex[idx])
	}
	return out
}
