package engine

import "path/filepath"

// AffectedFiles extracts the file paths a call will touch from its
// arguments. Recognized shapes: a "file_path" or "path" string, and an
// "edits" array whose elements carry "file_path". Relative paths are
// resolved against workDir.
func AffectedFiles(args map[string]any, workDir string) []string {
	seen := make(map[string]bool)
	var files []string
	add := func(p string) {
		if p == "" {
			return
		}
		if !filepath.IsAbs(p) && workDir != "" {
			p = filepath.Join(workDir, p)
		}
		p = filepath.Clean(p)
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	if p, ok := args["file_path"].(string); ok {
		add(p)
	}
	if p, ok := args["path"].(string); ok {
		add(p)
	}
	if edits, ok := args["edits"].([]any); ok {
		for _, e := range edits {
			if m, ok := e.(map[string]any); ok {
				if p, ok := m["file_path"].(string); ok {
					add(p)
				}
			}
		}
	}
	return files
}
