package oracle

import (
	"fmt"
	"strings"

	"github.com/iambrandonn/arbor/internal/task"
	"github.com/iambrandonn/arbor/internal/tools"
)

const clarifySystem = `You triage goals for an autonomous research agent.
Reply with a single JSON object and nothing else.`

const clarifyPrompt = `Goal:
%s

Is this goal too ambiguous to start working on without asking the user first?
Reply {"needs_clarification": true} or {"needs_clarification": false}.`

const blockingSystem = `You supervise an autonomous agent working on a task.
Reply with a single JSON object and nothing else.`

const blockingPrompt = `Current task:
%s

Is there a question that only the user can answer and without which no
progress is possible? Most tasks have none.
Reply {"question": "<the question>"} or {"question": ""}.`

const subquestionsSystem = `You break tasks into independent investigations that can run in parallel.
Reply with a single JSON object and nothing else.`

const subquestionsPrompt = `Propose at most %d self-contained subquestions whose answers would help with
the task below. Propose none if the task is simple.

Task:
%s

Reply {"subquestions": ["...", "..."]}.`

const summarizeSystem = `You merge the findings of an agent and its helpers into one answer.
Reply with a single JSON object and nothing else.`

func summarizePrompt(content, primary string, outcomes []task.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\nAgent answer:\n%s\n\nHelper results:\n", content, primary)
	for _, o := range outcomes {
		fmt.Fprintf(&b, "- [%s] %s\n", o.Status, o.Result)
	}
	b.WriteString(`
Combine these into one answer for the task. Set "unresolved" when the task
cannot be finished without more input from the user.
Reply {"summary": "...", "unresolved": false}.`)
	return b.String()
}

func respondSystem(content string, specs []tools.Spec) string {
	var b strings.Builder
	b.WriteString("You are a focused agent working on one task. Answer directly and concisely.\n\n")
	fmt.Fprintf(&b, "Task:\n%s\n", content)
	if len(specs) == 0 {
		return b.String()
	}

	b.WriteString("\nYou may use one tool per reply. To call a tool, end your reply with\n")
	b.WriteString(toolOpen + `{"name": "<tool>", "input": "<input>"}` + toolClose + "\n")
	b.WriteString("The tool output arrives in the next message. Reply without a tool call when done.\n\nTools:\n")
	for _, s := range specs {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
	}
	return b.String()
}
