package pipeline

import (
	"fmt"
	"strings"
)

// assemblePrompt builds the prompt handed to the agent CLI from the task's
// current artifacts and the action being performed (spec §4.3 Spawn:
// "Assemble the prompt from the task's current artifacts ... and the
// action"). Flowstate's real prompt-assembly library is out of scope per
// spec §1 ("the prompt-assembly library"); this is a minimal, legible
// stand-in that still gives every backend enough context to act.
func assemblePrompt(in *RunInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Flowstate task %s\n\n", in.TaskID)
	fmt.Fprintf(&b, "Action: %s\n", in.Action)
	if in.TaskTitle != "" {
		fmt.Fprintf(&b, "Task: %s\n", in.TaskTitle)
	}
	b.WriteString("\n")

	if isDistill(in.Action) {
		fmt.Fprintf(&b, "This is a distill pass: condense the existing %s artifact below rather than starting fresh.\n\n", strings.TrimSuffix(in.Action, "_distill"))
	}

	writeSection(&b, "Research", in.Artifacts.Research)
	writeSection(&b, "Specification", in.Artifacts.Spec)
	writeSection(&b, "Plan", in.Artifacts.Plan)
	writeSection(&b, "Verification", in.Artifacts.Verification)

	artifact, produces := artifactForAction(in.Action)
	if produces {
		fmt.Fprintf(&b, "## Instructions\n\nWrite your resulting %s document to `%s` in the workspace root. "+
			"Do not wrap it in a fenced code block; write the markdown document itself.\n", artifact, outputFileName(artifact))
	} else {
		b.WriteString("## Instructions\n\nImplement the plan above. Commit your changes; do not push or open a pull request yourself.\n")
	}

	return b.String()
}

// outputFileName is the conventional path (relative to the workspace root)
// an agent is instructed to write its produced artifact to.
func outputFileName(artifact string) string {
	return ".flowstate/" + artifact + ".md"
}

func writeSection(b *strings.Builder, title, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	fmt.Fprintf(b, "## %s\n\n%s\n\n", title, content)
}
