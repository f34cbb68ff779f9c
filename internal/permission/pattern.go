package permission

import (
	"slices"
	"strings"
)

// cliTools are commands whose second word is significant, e.g. "git commit"
// versus "git push".
var cliTools = []string{
	"git", "gh", "npm", "yarn", "pnpm", "docker", "kubectl", "aws",
	"gcloud", "terraform", "make", "cargo", "go", "python", "pip",
}

// IsShellTool reports whether name is a shell command tool.
func IsShellTool(name string) bool {
	return name == "Bash" || name == "ShellRun"
}

func isFileTool(name string) bool {
	return name == "Read" || name == "Write" || name == "Edit"
}

func isSearchTool(name string) bool {
	return name == "Glob" || name == "Grep"
}

func stringField(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}

// ExtractPattern derives the coarse "allow similar" signature of a tool call.
// Patterns have the form "<tool>:<value>" where value is "*" for any call.
func ExtractPattern(toolName string, input map[string]any) string {
	switch {
	case IsShellTool(toolName):
		words := strings.Fields(stringField(input, "command"))
		if len(words) == 0 {
			return toolName + ":*"
		}
		if slices.Contains(cliTools, words[0]) && len(words) > 1 {
			return toolName + ":" + words[0] + " " + words[1]
		}
		return toolName + ":" + words[0]

	case isFileTool(toolName):
		filePath := stringField(input, "file_path")
		if i := strings.LastIndex(filePath, "/"); i > 0 {
			return toolName + ":" + filePath[:i] + "/*"
		}
		return toolName + ":*"

	case isSearchTool(toolName):
		searchPath := stringField(input, "path")
		if searchPath == "" {
			return toolName + ":cwd"
		}
		return toolName + ":" + strings.TrimSuffix(searchPath, "/") + "/*"

	default:
		return toolName + ":*"
	}
}

// MatchesPattern reports whether a tool call is covered by a stored pattern.
func MatchesPattern(toolName string, input map[string]any, pattern string) bool {
	patternTool, value, ok := strings.Cut(pattern, ":")
	if !ok || patternTool != toolName {
		return false
	}
	if value == "*" {
		return true
	}

	switch {
	case IsShellTool(toolName):
		command := strings.Join(strings.Fields(stringField(input, "command")), " ")
		if command == "" {
			return false
		}
		// Prefix match on whole words: "git commit" must not cover "git commitx".
		return command == value || strings.HasPrefix(command, value+" ")

	case isFileTool(toolName):
		filePath := stringField(input, "file_path")
		if filePath == "" {
			return false
		}
		if dir, ok := strings.CutSuffix(value, "/*"); ok {
			return strings.HasPrefix(filePath, dir+"/")
		}
		return filePath == value

	case isSearchTool(toolName):
		searchPath := stringField(input, "path")
		if value == "cwd" {
			return searchPath == ""
		}
		if searchPath == "" {
			return false
		}
		if dir, ok := strings.CutSuffix(value, "/*"); ok {
			return searchPath == dir || strings.HasPrefix(searchPath, dir+"/")
		}
		return searchPath == value

	default:
		return true
	}
}
