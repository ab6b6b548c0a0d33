package approval

import "fmt"

// DescribeTool renders a human description for a confirmation-required tool
// call, keyed on tool name with a generic fallback (spec §4.3: "a table keyed
// on tool name with fallbacks ... MUST support at least file-mutating, git,
// workflow-trigger, shell-execute, SSH, process-control, and
// package-manager tools").
func DescribeTool(tool string, args map[string]interface{}) string {
	path, _ := args["path"].(string)
	command, _ := args["command"].(string)
	url, _ := args["url"].(string)
	name, _ := args["name"].(string)

	switch tool {
	case "fs_writeFile":
		return fmt.Sprintf("Write file %s", orUnknown(path))
	case "fs_editFile":
		return fmt.Sprintf("Edit file %s", orUnknown(path))
	case "fs_deleteFile":
		return fmt.Sprintf("Delete file %s", orUnknown(path))
	case "git_commit":
		return "Commit changes to git"
	case "git_push":
		return "Push commits to remote"
	case "workflow_trigger":
		return fmt.Sprintf("Trigger workflow %s", orUnknown(name))
	case "exec", "shell_execute":
		return fmt.Sprintf("Run shell command: %s", orUnknown(command))
	case "ssh_exec":
		return fmt.Sprintf("Run remote command over SSH: %s", orUnknown(command))
	case "process_kill":
		return fmt.Sprintf("Terminate process %s", orUnknown(name))
	case "process_start":
		return fmt.Sprintf("Start process: %s", orUnknown(command))
	case "package_install":
		return fmt.Sprintf("Install package %s", orUnknown(name))
	case "package_remove":
		return fmt.Sprintf("Remove package %s", orUnknown(name))
	case "web_fetch":
		return fmt.Sprintf("Fetch external URL %s", orUnknown(url))
	default:
		return fmt.Sprintf("Execute tool %s", tool)
	}
}

// PreviewFor renders an optional preview (e.g. a diff for file-write/edit)
// shown alongside the pending Action in the UI (spec §4.3 step 4).
func PreviewFor(tool string, args map[string]interface{}) string {
	switch tool {
	case "fs_writeFile":
		content, _ := args["content"].(string)
		return truncatePreview(content, 2000)
	case "fs_editFile":
		oldStr, _ := args["old"].(string)
		newStr, _ := args["new"].(string)
		return truncatePreview("- "+oldStr+"\n+ "+newStr, 2000)
	default:
		return ""
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "<unknown>"
	}
	return s
}

func truncatePreview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}
