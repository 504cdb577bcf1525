// Package versioning persists compiled policies as immutable, numbered
// versions, tracks the active version per project, and pins in-flight work
// items to the version they were submitted under until an explicit rebind.
package versioning

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/workgraph/pkg/graph"
	"github.com/Mindburn-Labs/workgraph/pkg/policy"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrVersionConflict       = errors.New("version conflict")
	ErrImmutable             = errors.New("policy versions are immutable")
	ErrPinConflict           = errors.New("work item already pinned")
	ErrVersionNameRegression = errors.New("version name must be greater than the latest named version")
	ErrInvalidVersionName    = errors.New("version name is not valid semver")
	ErrProjectMismatch       = errors.New("versions belong to different projects")
)

// PolicyVersion is the persisted wrapper around a CompiledPolicy.
type PolicyVersion struct {
	ID            string                 `json:"id"`
	ProjectID     string                 `json:"projectId"`
	Version       int                    `json:"version"`
	VersionName   string                 `json:"versionName,omitempty"`
	Policy        *policy.CompiledPolicy `json:"compiledJson"`
	GraphSnapshot *graph.Graph           `json:"graphSnapshot"`
	ContentHash   string                 `json:"contentHash"`
	IsActive      bool                   `json:"isActive"`
	IsPublished   bool                   `json:"isPublished"`
	CreatedBy     string                 `json:"createdBy"`
	CreatedAt     time.Time              `json:"createdAt"`
}

// Pin binds a work item to the policy version it was submitted under.
type Pin struct {
	WorkItemID   string    `json:"workItemId"`
	ProjectID    string    `json:"projectId"`
	VersionID    string    `json:"versionId"`
	ContractorID string    `json:"contractorId,omitempty"`
	ContractID   string    `json:"contractId,omitempty"`
	PinnedAt     time.Time `json:"pinnedAt"`
}

// Store persists policy versions and work item pins.
type Store interface {
	NextVersionNumber(ctx context.Context, projectID string) (int, error)
	// Save inserts a new version. When v.IsActive is set, every other
	// version of the project is deactivated in the same unit of work.
	Save(ctx context.Context, v *PolicyVersion) (string, error)
	Get(ctx context.Context, versionID string) (*PolicyVersion, error)
	GetByNumber(ctx context.Context, projectID string, version int) (*PolicyVersion, error)
	// ListVersions returns the project's versions in ascending order.
	ListVersions(ctx context.Context, projectID string) ([]*PolicyVersion, error)
	GetActive(ctx context.Context, projectID string) (*PolicyVersion, error)
	// Activate makes versionID the only active version of its project and
	// marks it published.
	Activate(ctx context.Context, versionID string) (*PolicyVersion, error)

	Pin(ctx context.Context, pin Pin) error
	PinStatus(ctx context.Context, workItemID string) (*Pin, error)
	// UpdatePin moves a pin from one version to another. It fails with
	// ErrVersionConflict when the pin no longer points at fromVersionID.
	UpdatePin(ctx context.Context, workItemID, fromVersionID, toVersionID string) error
}
