// Package git provides an interface for the git operations the
// worktree manager relies on.
package git

// BranchOperations defines git branch operations.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch() (string, error)
	// CreateBranchFrom creates a new branch off the given base ref.
	CreateBranchFrom(name, base string) error
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(name string) error
	// BranchExists returns true if the branch exists.
	BranchExists(name string) (bool, error)
	// DeleteBranch force-deletes the specified branch.
	DeleteBranch(name string) error
}

// MergeOperations defines git merge operations.
type MergeOperations interface {
	// Merge merges the specified branch into the current branch.
	Merge(branch string) error
	// MergeNoFF merges the specified branch creating a merge commit.
	MergeNoFF(branch string) error
	// MergeAbort aborts an in-progress merge.
	MergeAbort() error
	// ConflictedFiles returns files with unmerged changes
	// (diff --name-only --diff-filter=U).
	ConflictedFiles() ([]string, error)
	// ChangedFilesBetween returns files changed between two refs.
	ChangedFilesBetween(ref1, ref2 string) ([]string, error)
}

// WorktreeOperations defines git worktree operations.
type WorktreeOperations interface {
	// WorktreeAdd creates a worktree at the given path for an existing
	// branch.
	WorktreeAdd(path, branch string) error
	// WorktreeRemove force-removes the worktree at the given path.
	WorktreeRemove(path string) error
	// WorktreeListPorcelain returns raw `worktree list --porcelain`
	// output.
	WorktreeListPorcelain() (string, error)
	// WorktreePruneExpireNow prunes stale entries with --expire now.
	WorktreePruneExpireNow() error
}

// Runner is the complete git interface consumed by the worktree
// manager. Tests substitute a fake.
type Runner interface {
	BranchOperations
	MergeOperations
	WorktreeOperations
	// Version returns the installed git version string, e.g. "2.39.5".
	Version() (string, error)
	// Run executes an arbitrary git command and returns its output.
	Run(args ...string) (string, error)
}
