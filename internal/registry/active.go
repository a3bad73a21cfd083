package registry

import (
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/boostserve/internal/modelstore"
)

// ActiveModel is the slot holding the serving artifact. Readers take one
// snapshot per request; writers serialize on mu. Once loaded, the slot is
// never emptied.
type ActiveModel struct {
	ptr atomic.Pointer[modelstore.Artifact]
	mu  sync.Mutex
}

// Snapshot returns the current artifact, or nil when nothing is loaded.
func (a *ActiveModel) Snapshot() *modelstore.Artifact {
	return a.ptr.Load()
}

// swap installs next and returns the previous artifact. Callers hold mu.
func (a *ActiveModel) swap(next *modelstore.Artifact) *modelstore.Artifact {
	return a.ptr.Swap(next)
}
