package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// readProducedArtifact reads the document an agent was instructed to
// write (outputFileName) for a run's action, if the action produces one.
// Absence is not an error at this layer — Finalize only writes what was
// actually produced (spec §4.3: "Persist each produced artifact").
func readProducedArtifact(workspaceDir string, action string) (artifact, content string, produced bool) {
	name, ok := artifactForAction(action)
	if !ok {
		return "", "", false
	}
	data, err := os.ReadFile(filepath.Join(workspaceDir, outputFileName(name)))
	if err != nil {
		return name, "", false
	}
	return name, string(data), true
}

// shellVerbs are the known command verbs the heuristic recognizes when
// scanning a plan for runnable verification commands, per spec §4.3:
// "commands beginning with a known verb such as cargo, npm, make, pytest,
// go, python, or prefixed with $".
var shellVerbs = []string{"cargo", "npm", "yarn", "pnpm", "make", "pytest", "go", "python", "python3", "ruff", "eslint", "tox", "ctest", "gradlew", "mvn"}

var fencedCodeBlock = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_-]*)\n(.*?)```")

// ExtractVerificationCommands scans a plan document for fenced code blocks
// and bullet lines that look like shell invocations, per spec §4.3's
// Finalize stage for the plan action. Commands from fenced blocks come
// first, in document order, followed by commands from bullet lines;
// duplicates are removed, keeping the first occurrence.
func ExtractVerificationCommands(planMarkdown string) []string {
	var found []string
	seen := make(map[string]bool)
	add := func(line string) {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			return
		}
		if looksLikeShellCommand(line) {
			seen[line] = true
			found = append(found, line)
		}
	}

	for _, block := range fencedCodeBlock.FindAllStringSubmatch(planMarkdown, -1) {
		scanner := bufio.NewScanner(strings.NewReader(block[1]))
		for scanner.Scan() {
			add(scanner.Text())
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(planMarkdown))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
			add(strings.TrimSpace(line[2:]))
		}
	}

	return found
}

func looksLikeShellCommand(line string) bool {
	if strings.HasPrefix(line, "$ ") {
		return true
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	verb := fields[0]
	for _, known := range shellVerbs {
		if verb == known {
			return true
		}
	}
	return false
}

// finalizeStage persists produced artifacts and (for plan actions)
// extracted verification commands to the artifact store, and uploads the
// run's output log and prompt. Called after a clean (exit 0) agent run.
func (p *Pipeline) finalizeStage(ctx context.Context, workspaceDir string, in *RunInput, combinedOutput []byte, promptText string) error {
	if err := p.artifacts.Put(ctx, RunPromptKey(in.RunID), []byte(promptText)); err != nil {
		return err
	}
	if err := p.artifacts.Put(ctx, RunOutputKey(in.RunID), combinedOutput); err != nil {
		return err
	}

	artifact, content, produced := readProducedArtifact(workspaceDir, in.Action)
	if !produced {
		return nil
	}
	if err := p.artifacts.Put(ctx, ArtifactKey(in.TaskID, artifact), []byte(content)); err != nil {
		return err
	}

	if artifact == ArtifactPlan {
		commands := ExtractVerificationCommands(content)
		if len(commands) > 0 {
			encoded, err := json.Marshal(commands)
			if err != nil {
				return err
			}
			if err := p.artifacts.Put(ctx, "tasks/"+in.TaskID+"/extracted_commands.json", encoded); err != nil {
				return err
			}
		}
	}
	return nil
}
