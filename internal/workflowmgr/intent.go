package workflowmgr

import (
	"strings"

	"github.com/lumenforge/agentflow/internal/types"
)

// stepSpec is a planning-time step template; its Dependencies are indices
// into the plan, turned into step ids by buildPlan once the concrete step
// ids exist.
type stepSpec struct {
	AgentClass   types.AgentClass
	TaskType     string
	Dependencies []int // indices into the same plan, -1-based sentinel unused
}

// intentRule is one row of spec.md §4.D's keyword table, tried in order —
// first match wins.
type intentRule struct {
	name    string
	matches func(text string) bool
	plan    []stepSpec
}

func containsAny(text string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

var intentRules = []intentRule{
	{
		name: "compile_notebook",
		matches: func(t string) bool {
			return strings.Contains(t, "notebook") && strings.Contains(t, "compile")
		},
		plan: []stepSpec{
			{AgentClass: types.ClassSynthesis, TaskType: "compile_notebook"},
		},
	},
	{
		name: "generate_study_materials",
		matches: func(t string) bool {
			return containsAny(t, "flashcard", "quiz", "question", "study material")
		},
		plan: []stepSpec{
			{AgentClass: types.ClassIngestion, TaskType: "extract_text"},
			{AgentClass: types.ClassAnalysis, TaskType: "analyze_content", Dependencies: []int{0}},
			{AgentClass: types.ClassExtraction, TaskType: "extract_concepts", Dependencies: []int{0}},
			{AgentClass: types.ClassPedagogy, TaskType: "generate_study_materials", Dependencies: []int{1, 2}},
		},
	},
	{
		name: "extract_knowledge",
		matches: func(t string) bool {
			return strings.Contains(t, "extract") && containsAny(t, "concept", "definition", "entity", "knowledge")
		},
		plan: []stepSpec{
			{AgentClass: types.ClassIngestion, TaskType: "extract_text"},
			{AgentClass: types.ClassExtraction, TaskType: "extract_knowledge", Dependencies: []int{0}},
		},
	},
	{
		name: "generate_summary",
		matches: func(t string) bool {
			return containsAny(t, "summary", "summarize")
		},
		plan: []stepSpec{
			{AgentClass: types.ClassIngestion, TaskType: "extract_text"},
			{AgentClass: types.ClassAnalysis, TaskType: "generate_summary", Dependencies: []int{0}},
		},
	},
}

// defaultIntent is process_document, tried when nothing above matches.
var defaultIntent = intentRule{
	name:    "process_document",
	matches: func(string) bool { return true },
	plan: []stepSpec{
		{AgentClass: types.ClassIngestion, TaskType: "process_document"},
	},
}

// classifyIntent applies the priority-ordered keyword table of spec.md
// §4.D to free-form instruction text.
func classifyIntent(text string) intentRule {
	lower := strings.ToLower(text)
	for _, rule := range intentRules {
		if rule.matches(lower) {
			return rule
		}
	}
	return defaultIntent
}
