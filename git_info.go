package main

import (
	"os/exec"
	"strings"
)

// GitInfo is the provenance of the scanned tree, if it is a git checkout.
type GitInfo struct {
	Head       string // full commit hash
	Branch     string
	CommitDate string // ISO 8601
	Dirty      bool
}

// ReadGitInfo inspects dir with the git CLI. It returns the zero value when
// git is missing or dir is not inside a repository.
func ReadGitInfo(dir string) GitInfo {
	var info GitInfo

	out, ok := gitOutput(dir, "log", "-1", "--format=%H %aI")
	if !ok {
		return info
	}
	info.Head, info.CommitDate = parseHeadLine(out)

	if out, ok := gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD"); ok {
		info.Branch = strings.TrimSpace(out)
	}
	if out, ok := gitOutput(dir, "status", "--porcelain", "--untracked-files=no"); ok {
		info.Dirty = strings.TrimSpace(out) != ""
	}
	return info
}

// parseHeadLine splits "<hash> <date>" as printed by git log.
func parseHeadLine(line string) (hash, date string) {
	hash, date, _ = strings.Cut(strings.TrimSpace(line), " ")
	return hash, date
}

func gitOutput(dir string, args ...string) (string, bool) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", false
	}
	return string(out), true
}
