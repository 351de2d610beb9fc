package core

import "strings"

// Predicate decides whether a task is eligible. It must be free of side effects.
type Predicate func(TaskSpec) bool

// ActiveOnly selects every active task.
func ActiveOnly(task TaskSpec) bool {
	return task.Active
}

// Selection narrows active tasks by priority and category.
// An empty value or "All" matches anything.
type Selection struct {
	Priority string `json:"priority,omitempty"`
	Category string `json:"category,omitempty"`
}

// Predicate builds the eligibility predicate for the selection.
func (s Selection) Predicate() Predicate {
	priority := normalizeFilterValue(s.Priority)
	category := normalizeFilterValue(s.Category)
	return func(task TaskSpec) bool {
		if !task.Active {
			return false
		}
		if priority != "" && !strings.EqualFold(strings.TrimSpace(task.Priority), priority) {
			return false
		}
		if category != "" && !strings.EqualFold(strings.TrimSpace(task.Category), category) {
			return false
		}
		return true
	}
}

func (s Selection) String() string {
	priority := normalizeFilterValue(s.Priority)
	category := normalizeFilterValue(s.Category)
	if priority == "" {
		priority = "All"
	}
	if category == "" {
		category = "All"
	}
	return "priority=" + priority + " category=" + category
}

func normalizeFilterValue(value string) string {
	value = strings.TrimSpace(value)
	if strings.EqualFold(value, "all") {
		return ""
	}
	return value
}

// Select returns the tasks accepted by pred, keeping source order.
func Select(tasks []TaskSpec, pred Predicate) []TaskSpec {
	if pred == nil {
		pred = ActiveOnly
	}
	selected := make([]TaskSpec, 0, len(tasks))
	for _, task := range tasks {
		if pred(task) {
			selected = append(selected, task)
		}
	}
	return selected
}
