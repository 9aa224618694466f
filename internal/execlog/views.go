package execlog

// TodoItem is one replayed checklist entry. Status reflects the latest
// todo entry seen for its id.
type TodoItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

// Todos replays the log and returns the latest state per distinct todo
// identifier among step=todo entries, in first-seen order. Later entries
// for a known id update it in place.
func Todos(entries []Entry) []TodoItem {
	var order []string
	latest := make(map[string]TodoItem)

	for _, e := range entries {
		if e.Step != StepTodo || e.Data == nil {
			continue
		}
		id, _ := e.Data["id"].(string)
		if id == "" {
			continue
		}
		content, _ := e.Data["content"].(string)
		status, _ := e.Data["status"].(string)

		if _, seen := latest[id]; !seen {
			order = append(order, id)
		}
		latest[id] = TodoItem{ID: id, Content: content, Status: status}
	}

	items := make([]TodoItem, 0, len(order))
	for _, id := range order {
		items = append(items, latest[id])
	}
	return items
}

// OutstandingQuestion returns the most recent unanswered question entry.
// A question is outstanding iff the task has more question entries than
// answer entries; nil means nothing is waiting on the user.
func OutstandingQuestion(entries []Entry) *Entry {
	questions := 0
	answers := 0
	var last *Entry

	for i := range entries {
		switch entries[i].Step {
		case StepQuestion:
			questions++
			last = &entries[i]
		case StepAnswer:
			answers++
		}
	}

	if questions > answers {
		return last
	}
	return nil
}
