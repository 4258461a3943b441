package workers

const plannerSystem = `You are the planning stage of a task orchestration engine. You break a goal into a small ordered plan of subtasks.`

// planPrompt is the prompt template for planning.
const planPrompt = `Break this goal into subtasks.

Goal:
%s

Return ONLY a JSON object with this exact structure (no other text):
{
  "acceptance_criteria": ["Criterion the finished goal must meet"],
  "subtasks": [
    {
      "id": "short-kebab-id",
      "category": "code|research|system_action",
      "description": "What this subtask must do",
      "depends_on": ["id of a subtask that must finish first"],
      "acceptance_criteria": ["Checkable criterion for this subtask"],
      "action": "write_file|append_file|delete_file|read_file|list_dir|shell",
      "arguments": {"path": "relative/path", "content": "..."}
    }
  ]
}

Rules:
- Use between %d and %d subtasks
- ids must be unique; depends_on may only name ids from this plan
- "code" subtasks produce one file; give its path in arguments.path
- "research" subtasks gather or summarize information, no side effects
- "system_action" subtasks need "action" and "arguments"; omit both for other categories
- Every subtask needs at least one acceptance criterion
- Paths are relative to the workspace root`

const coderSystem = `You write a single source file that satisfies a subtask. You answer with the file path and its complete contents, nothing else.`

// codePrompt is the prompt template for code generation.
const codePrompt = `Overall goal:
%s

Subtask %s:
%s

Acceptance criteria:
%s
%s%s
Respond in exactly this format:
PATH: relative/path/to/file
` + "```" + `language
complete file contents
` + "```"

const researcherSystem = `You are a careful researcher. Answer the question concisely with the facts needed by later steps.`

// researchPrompt is the prompt template for research subtasks.
const researchPrompt = `Overall goal:
%s

Research task:
%s

It is complete when:
%s
%s`

const reflectorSystem = `You judge whether a goal was achieved from the results of its subtasks.`

// reflectPrompt is the prompt template for the final verdict.
const reflectPrompt = `Goal:
%s

Goal acceptance criteria:
%s

Subtask results:
%s

Return ONLY a JSON object (no other text):
{"passed": true|false, "summary": "one or two sentences", "unmet": ["criterion not met"]}`
