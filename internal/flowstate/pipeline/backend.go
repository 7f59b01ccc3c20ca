package pipeline

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// envPrefixBackend is a Backend built from a CLI binary name, its
// version-probe flag, the argv template for spawning against a prompt
// file, and the environment-variable prefixes it's allowed to see. The
// three concrete backends below (claude-cli, gemini-cli, opencode) are
// all this same shape with different plumbing, matching spec §9's
// "polymorphism over agent backends" note: the pipeline depends only on
// { version_probe, spawn_with_prompt, parse_env }.
type envPrefixBackend struct {
	name        string
	binary      string
	versionArgs []string
	envPrefixes []string
	feedStdin   bool
	buildArgv   func(promptPath string) []string
}

func (b *envPrefixBackend) Name() string { return b.name }

func (b *envPrefixBackend) VersionProbe(ctx context.Context) error {
	if _, err := exec.LookPath(b.binary); err != nil {
		return fmt.Errorf("backend %s: %q not found on PATH: %w", b.name, b.binary, err)
	}
	cmd := exec.CommandContext(ctx, b.binary, b.versionArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("backend %s: version probe failed: %w: %s", b.name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *envPrefixBackend) FilterEnv(environ []string) []string {
	var out []string
	for _, kv := range environ {
		for _, prefix := range b.envPrefixes {
			if strings.HasPrefix(kv, prefix) {
				out = append(out, kv)
				break
			}
		}
	}
	return out
}

func (b *envPrefixBackend) Command(promptPath string) ([]string, bool) {
	return b.buildArgv(promptPath), b.feedStdin
}

// basePassthroughPrefixes are forwarded to every backend regardless of
// provider: enough for the child to resolve PATH, locale, and a home
// directory for its own config/cache files.
var basePassthroughPrefixes = []string{"PATH=", "HOME=", "LANG=", "LC_", "TMPDIR=", "TERM="}

// NewClaudeCLI builds the claude-cli backend: claude is given the prompt
// file with --file and writes to stdout; credentials travel via
// ANTHROPIC_API_KEY / CLAUDE_* environment variables.
func NewClaudeCLI() Backend {
	return &envPrefixBackend{
		name:        "claude-cli",
		binary:      "claude",
		versionArgs: []string{"--version"},
		envPrefixes: append(append([]string{}, basePassthroughPrefixes...), "ANTHROPIC_", "CLAUDE_"),
		feedStdin:   false,
		buildArgv: func(promptPath string) []string {
			return []string{"claude", "--print", "--dangerously-skip-permissions", "--file", promptPath}
		},
	}
}

// NewGeminiCLI builds the gemini-cli backend: gemini is fed the prompt on
// stdin; credentials travel via GOOGLE_*/GEMINI_* variables.
func NewGeminiCLI() Backend {
	return &envPrefixBackend{
		name:        "gemini-cli",
		binary:      "gemini",
		versionArgs: []string{"--version"},
		envPrefixes: append(append([]string{}, basePassthroughPrefixes...), "GOOGLE_", "GEMINI_"),
		feedStdin:   true,
		buildArgv: func(promptPath string) []string {
			return []string{"gemini", "--yolo"}
		},
	}
}

// NewOpenCode builds the opencode backend: opencode takes the prompt file
// via -f and picks its model provider up from OPENCODE_*/OPENAI_* vars.
func NewOpenCode() Backend {
	return &envPrefixBackend{
		name:        "opencode",
		binary:      "opencode",
		versionArgs: []string{"--version"},
		envPrefixes: append(append([]string{}, basePassthroughPrefixes...), "OPENCODE_", "OPENAI_"),
		feedStdin:   false,
		buildArgv: func(promptPath string) []string {
			return []string{"opencode", "run", "-f", promptPath}
		},
	}
}

// ByName resolves a configured backend name ("claude-code"/"claude-cli",
// "gemini-cli", "opencode") to its Backend implementation.
func ByName(name string) (Backend, error) {
	switch name {
	case "claude-code", "claude-cli", "claude":
		return NewClaudeCLI(), nil
	case "gemini-cli", "gemini":
		return NewGeminiCLI(), nil
	case "opencode":
		return NewOpenCode(), nil
	default:
		return nil, fmt.Errorf("pipeline: unknown agent backend %q", name)
	}
}
