package versioning

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/workgraph/pkg/audit"
	"github.com/Mindburn-Labs/workgraph/pkg/graph"
)

// Per-item rebind failure codes.
const (
	RebindPinNotFound       = "PIN_NOT_FOUND"
	RebindVersionMismatch   = "PIN_VERSION_MISMATCH"
	RebindContractorMissing = "CONTRACTOR_MISSING_IN_TARGET"
	RebindContractMissing   = "CONTRACT_MISSING_IN_TARGET"
	RebindDuplicateWorkItem = "DUPLICATE_WORK_ITEM"
	RebindCommitFailed      = "REBIND_COMMIT_FAILED"
	RebindConcurrentlyMoved = "PIN_CONCURRENTLY_MODIFIED"
)

// RebindRequest moves work items from one version to another.
type RebindRequest struct {
	WorkItemIDs   []string `json:"workItemIds"`
	FromVersionID string   `json:"fromVersionId"`
	ToVersionID   string   `json:"toVersionId"`
	// ValidateCompatibility checks each item's contractor and contract
	// still exist in the target version's graph snapshot. Only the ids a
	// pin records are checked; a pin made without them passes.
	ValidateCompatibility bool `json:"validateCompatibility"`
	DryRun                bool `json:"dryRun"`
}

// RebindError is a per-item failure.
type RebindError struct {
	WorkItemID string `json:"workItemId"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// RebindResult reports a batch. Items fail independently; one bad item
// never blocks the rest.
type RebindResult struct {
	SuccessfullyRebinded int           `json:"successfullyRebinded"`
	Failed               int           `json:"failed"`
	Errors               []RebindError `json:"errors"`
	DryRun               bool          `json:"dryRun"`
}

func (r *RebindResult) fail(workItemID, code, format string, args ...any) {
	r.Failed++
	r.Errors = append(r.Errors, RebindError{
		WorkItemID: workItemID,
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
	})
}

// Rebind validates and commits each work item on its own. Cancellation
// stops the batch before the next commit; items already committed stay
// committed and the partial result is returned with the context error.
func (m *Manager) Rebind(ctx context.Context, req RebindRequest) (res *RebindResult, err error) {
	ctx, done := m.obs.TrackOperation(ctx, "policy.rebind",
		attribute.String("version.from", req.FromVersionID),
		attribute.String("version.to", req.ToVersionID),
		attribute.Int("items", len(req.WorkItemIDs)),
		attribute.Bool("dry_run", req.DryRun),
	)
	defer func() { done(err) }()

	from, err := m.store.Get(ctx, req.FromVersionID)
	if err != nil {
		return nil, fmt.Errorf("rebind: from: %w", err)
	}
	to, err := m.store.Get(ctx, req.ToVersionID)
	if err != nil {
		return nil, fmt.Errorf("rebind: to: %w", err)
	}
	if from.ProjectID != to.ProjectID {
		return nil, fmt.Errorf("rebind %s -> %s: %w", from.ID, to.ID, ErrProjectMismatch)
	}

	var target *graph.Index
	if req.ValidateCompatibility {
		snapshot := to.GraphSnapshot
		if snapshot == nil {
			snapshot = &graph.Graph{}
		}
		target = graph.NewIndex(snapshot)
	}

	res = &RebindResult{Errors: make([]RebindError, 0), DryRun: req.DryRun}
	seen := make(map[string]bool, len(req.WorkItemIDs))
	for _, id := range req.WorkItemIDs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if seen[id] {
			res.fail(id, RebindDuplicateWorkItem, "work item %s is listed more than once", id)
			continue
		}
		seen[id] = true

		pin, err := m.store.PinStatus(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				res.fail(id, RebindPinNotFound, "work item %s is not pinned", id)
				continue
			}
			res.fail(id, RebindCommitFailed, "read pin: %v", err)
			continue
		}
		if pin.VersionID != from.ID {
			res.fail(id, RebindVersionMismatch, "work item %s is pinned to %s, not %s", id, pin.VersionID, from.ID)
			continue
		}
		if target != nil {
			if pin.ContractorID != "" && !target.Has(pin.ContractorID) {
				res.fail(id, RebindContractorMissing, "contractor %s does not exist in v%d", pin.ContractorID, to.Version)
				continue
			}
			if pin.ContractID != "" && !target.Has(pin.ContractID) {
				res.fail(id, RebindContractMissing, "contract %s does not exist in v%d", pin.ContractID, to.Version)
				continue
			}
		}

		if req.DryRun {
			res.SuccessfullyRebinded++
			continue
		}
		if err := m.store.UpdatePin(ctx, id, from.ID, to.ID); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				res.fail(id, RebindConcurrentlyMoved, "%v", err)
			} else {
				res.fail(id, RebindCommitFailed, "%v", err)
			}
			continue
		}
		res.SuccessfullyRebinded++
		m.record(audit.EntryWorkItemRebound, id, "rebind", map[string]any{
			"fromVersionId": from.ID,
			"toVersionId":   to.ID,
			"fromVersion":   from.Version,
			"toVersion":     to.Version,
		})
	}

	m.logger.InfoContext(ctx, "rebind finished",
		"from", from.ID, "to", to.ID, "rebound", res.SuccessfullyRebinded,
		"failed", res.Failed, "dry_run", req.DryRun)
	return res, nil
}
