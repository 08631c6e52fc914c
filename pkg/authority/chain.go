package authority

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// MaxChainDepth bounds delegation walks.
const MaxChainDepth = 16

// ErrChainBroken is returned when a chain cannot be walked to a root.
var ErrChainBroken = errors.New("authority: delegation chain broken")

// ResolveChain walks ParentID links from grantID back to a root. The chain
// is recomputed on every call.
func ResolveChain(ctx context.Context, store GrantStore, grantID string) (contracts.AuthorityChain, error) {
	terminal, err := store.Get(ctx, grantID)
	if err != nil {
		return contracts.AuthorityChain{}, err
	}

	// Walk upwards, terminal first.
	path := []contracts.AuthorityGrant{terminal}
	seen := map[string]bool{terminal.GrantID: true}
	cur := terminal
	for cur.ParentID != "" {
		if len(path) >= MaxChainDepth {
			return contracts.AuthorityChain{}, fmt.Errorf("%w: deeper than %d", ErrChainBroken, MaxChainDepth)
		}
		if seen[cur.ParentID] {
			return contracts.AuthorityChain{}, fmt.Errorf("%w: cycle at %s", ErrChainBroken, cur.ParentID)
		}
		parent, err := store.Get(ctx, cur.ParentID)
		if err != nil {
			if errors.Is(err, ErrGrantNotFound) {
				return contracts.AuthorityChain{}, fmt.Errorf("%w: parent %s of %s missing", ErrChainBroken, cur.ParentID, cur.GrantID)
			}
			return contracts.AuthorityChain{}, err
		}
		seen[parent.GrantID] = true
		path = append(path, parent)
		cur = parent
	}

	chain := contracts.AuthorityChain{
		Root:     path[len(path)-1],
		Terminal: terminal,
	}
	for i := len(path) - 2; i >= 1; i-- {
		chain.Delegations = append(chain.Delegations, path[i])
	}
	return chain, nil
}
