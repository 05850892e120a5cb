/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgeman-ai/forgeman/internal/logging"
)

// WorkspaceProvider materializes a task's ephemeral workspace, seeded from
// the repo at the bound commit (spec §4.4: "the workspace is the task's
// ephemeral overlay-mounted directory seeded from the repo at the bound
// commit"). The local-disk-plus-git implementation below is a plain
// writable clone, the same for every sandbox tier: no tier layers a
// filesystem overlay or a read-only baseline on top of it.
type WorkspaceProvider interface {
	Materialize(ctx context.Context, root, taskID string, repo RepoSpec) (path, resolvedSHA string, err error)
	Remove(ctx context.Context, path string) error
}

// RepoSpec pins the repository a workspace is seeded from.
type RepoSpec struct {
	URL       string
	Branch    string
	CommitSHA string
}

// GitWorkspaceProvider clones repo.URL into a fresh directory under root
// and checks out the bound commit (or resolves HEAD of branch when
// CommitSHA is empty, recording the resolved sha back onto the Task at
// acceptance per spec §3).
type GitWorkspaceProvider struct{}

func (GitWorkspaceProvider) Materialize(ctx context.Context, root, taskID string, repo RepoSpec) (string, string, error) {
	path := filepath.Join(root, taskID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", "", fmt.Errorf("mkdir workspace: %w", err)
	}

	branch := repo.Branch
	if branch == "" {
		branch = "HEAD"
	}
	cloneArgs := []string{"clone", "--no-single-branch", "--quiet", repo.URL, path}
	if err := runGit(ctx, "", cloneArgs); err != nil {
		return "", "", fmt.Errorf("clone %s: %w", repo.URL, err)
	}
	if err := runGit(ctx, path, []string{"checkout", "--quiet", branch}); err != nil {
		return "", "", fmt.Errorf("checkout %s: %w", branch, err)
	}

	sha := repo.CommitSHA
	if sha != "" {
		if err := runGit(ctx, path, []string{"checkout", "--quiet", sha}); err != nil {
			return "", "", fmt.Errorf("checkout %s: %w", sha, err)
		}
	}
	resolved, err := gitOutput(ctx, path, []string{"rev-parse", "HEAD"})
	if err != nil {
		return "", "", fmt.Errorf("resolve head: %w", err)
	}
	return path, strings.TrimSpace(resolved), nil
}

func (GitWorkspaceProvider) Remove(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}

func runGit(ctx context.Context, dir string, args []string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = []string{"PATH=" + os.Getenv("PATH"), "GIT_TERMINAL_PROMPT=0"}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

func gitOutput(ctx context.Context, dir string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}
	out, err := cmd.Output()
	return string(out), err
}

// scheduleRemoval removes path after grace, so a terminated task's
// workspace survives for post-mortem inspection before cleanup (spec
// §4.7: "the workspace is retained for a configurable grace window ...
// then removed").
func scheduleRemoval(ctx context.Context, provider WorkspaceProvider, path string, grace time.Duration, taskID string) {
	timer := time.NewTimer(grace)
	go func() {
		defer timer.Stop()
		<-timer.C
		if err := provider.Remove(context.Background(), path); err != nil {
			logging.FromContext(ctx).Warn().Err(err).Str("task_id", taskID).Str("path", path).Msg("workspace removal failed")
		}
	}()
}
