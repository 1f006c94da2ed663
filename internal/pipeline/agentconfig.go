package pipeline

// AgentConfig is written to <workDir>/.opencode/opencode.json before the
// agent server starts. The permission map is what makes the agent fully
// autonomous: "question" must stay denied or the agent blocks waiting for a
// human answer, and plan mode is denied so it executes instead of proposing.
const AgentConfig = `{
  "$schema": "https://opencode.ai/config.json",
  "permission": {
    "read": "allow",
    "edit": "allow",
    "glob": "allow",
    "grep": "allow",
    "list": "allow",
    "bash": "allow",
    "task": "allow",
    "webfetch": "allow",
    "websearch": "allow",
    "codesearch": "allow",
    "todowrite": "allow",
    "todoread": "allow",
    "lsp": "allow",
    "external_directory": "allow",
    "question": "deny",
    "plan_enter": "deny",
    "plan_exit": "deny"
  }
}
`
