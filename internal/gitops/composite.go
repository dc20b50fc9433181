package gitops

import (
	"context"
	"encoding/json"

	"github.com/gitsmith-dev/gitsmith/internal/models"
)

// cliOnlyOps are served by the git binary because go-git does not
// implement them.
var cliOnlyOps = map[models.Operation]bool{
	models.OpMerge:           true,
	models.OpRebase:          true,
	models.OpCherryPick:      true,
	models.OpRevert:          true,
	models.OpStashPush:       true,
	models.OpStashPop:        true,
	models.OpStashList:       true,
	models.OpSparseCheckout:  true,
	models.OpSubmoduleAdd:    true,
	models.OpSubmoduleUpdate: true,
	models.OpLFSTrack:        true,
	models.OpLFSPull:         true,
}

// Composite routes each operation to the backend that implements it.
// The routing table is fixed at startup; callers only see the Adapter
// interface.
type Composite struct {
	lib *GoGit
	cli *CLI
}

// NewComposite builds the production adapter.
func NewComposite(lib *GoGit, cli *CLI) *Composite {
	return &Composite{lib: lib, cli: cli}
}

// Run dispatches to the owning backend.
func (c *Composite) Run(ctx context.Context, req Request) (json.RawMessage, error) {
	if cliOnlyOps[req.Op] {
		return c.cli.Run(ctx, req)
	}
	// Partial clone needs promisor negotiation, which only the binary
	// implements.
	if req.Op == models.OpClone && cloneNeedsCLI(req.Params) {
		return c.cli.Run(ctx, req)
	}
	return c.lib.Run(ctx, req)
}

func cloneNeedsCLI(raw json.RawMessage) bool {
	var p CloneParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	return p.Filter != ""
}
