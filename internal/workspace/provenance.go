package workspace

import (
	"github.com/go-git/go-git/v5"
)

// Provenance is the target's git position at snapshot time.
type Provenance struct {
	// Branch is the checked-out branch name. Empty when HEAD is detached
	// or the target is not a repository.
	Branch string

	// Commit is the HEAD commit hash. Empty when the target is not a
	// repository.
	Commit string
}

// captureProvenance records the target's branch and HEAD commit. A target
// that is not a git repository, or whose HEAD is unreadable, yields a
// zero Provenance; absence of git is not an error.
func captureProvenance(targetRef string) Provenance {
	repo, err := git.PlainOpen(targetRef)
	if err != nil {
		return Provenance{}
	}

	head, err := repo.Head()
	if err != nil {
		return Provenance{}
	}

	p := Provenance{Commit: head.Hash().String()}
	if head.Name().IsBranch() {
		p.Branch = head.Name().Short()
	}
	return p
}
