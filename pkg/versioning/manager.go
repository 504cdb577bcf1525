package versioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/workgraph/pkg/audit"
	"github.com/Mindburn-Labs/workgraph/pkg/canonicalize"
	"github.com/Mindburn-Labs/workgraph/pkg/graph"
	"github.com/Mindburn-Labs/workgraph/pkg/observability"
	"github.com/Mindburn-Labs/workgraph/pkg/policy"
	"github.com/Mindburn-Labs/workgraph/pkg/simulation"
)

// Exporter receives the canonical JSON of every published version.
type Exporter interface {
	Put(ctx context.Context, data []byte) (string, error)
}

// Manager runs the version lifecycle on top of a Store: compile, activate,
// rollback, pin, rebind and simulate against the resolved version.
type Manager struct {
	store    Store
	engine   *simulation.Engine
	compiler *policy.Compiler
	locker   Locker
	auditLog *audit.Log
	exporter Exporter
	obs      *observability.Provider
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocker replaces the default in-process KeyedMutex.
func WithLocker(l Locker) Option { return func(m *Manager) { m.locker = l } }

// WithAuditLog records lifecycle events to log.
func WithAuditLog(log *audit.Log) Option { return func(m *Manager) { m.auditLog = log } }

// WithExporter exports published versions.
func WithExporter(e Exporter) Option { return func(m *Manager) { m.exporter = e } }

// WithObservability tracks lifecycle operations as spans and metrics.
func WithObservability(p *observability.Provider) Option { return func(m *Manager) { m.obs = p } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock sets the clock used for createdAt and compiledAt.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager creates a Manager. engine may be nil when Simulate is unused.
func NewManager(store Store, engine *simulation.Engine, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		engine: engine,
		locker: NewKeyedMutex(),
		obs:    observability.Disabled(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "versioning")
	m.compiler = policy.NewCompiler(policy.WithClock(m.now))
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

// CompilerMetrics returns the compiler's running statistics.
func (m *Manager) CompilerMetrics() policy.MetricsSnapshot { return m.compiler.GetMetrics() }

// CompileRequest asks for a new version of a project's policy.
type CompileRequest struct {
	ProjectID   string              `json:"projectId"`
	Graph       *graph.Graph        `json:"graph"`
	CompiledBy  string              `json:"compiledBy"`
	VersionName string              `json:"versionName,omitempty"`
	Activate    bool                `json:"activate"`
	WorkTypes   []string            `json:"workTypes,omitempty"`
	AutoApprove *policy.AutoApprove `json:"autoApprove,omitempty"`
}

// CompileResult carries the saved version, or only findings when the graph
// was rejected.
type CompileResult struct {
	Version  *PolicyVersion  `json:"version,omitempty"`
	Findings policy.Findings `json:"findings"`
}

// Compile compiles req.Graph into the project's next version. Compiles of
// the same project are serialised; nothing is persisted when the graph is
// rejected or ctx ends before the save.
func (m *Manager) Compile(ctx context.Context, req CompileRequest) (res *CompileResult, err error) {
	ctx, done := m.obs.TrackOperation(ctx, "policy.compile", attribute.String("project.id", req.ProjectID))
	defer func() { done(err) }()

	if req.ProjectID == "" {
		return nil, errors.New("compile: project id is required")
	}
	if req.VersionName != "" {
		if _, err := semver.StrictNewVersion(req.VersionName); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidVersionName, req.VersionName)
		}
	}

	unlock, err := m.locker.Lock(ctx, "project:"+req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("compile %s: acquire lock: %w", req.ProjectID, err)
	}
	defer unlock()

	next, err := m.store.NextVersionNumber(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if req.VersionName != "" {
		if err := m.checkVersionName(ctx, req.ProjectID, req.VersionName); err != nil {
			return nil, err
		}
	}

	compiled, findings, err := m.compiler.Compile(req.Graph, policy.Options{
		ProjectID:   req.ProjectID,
		CompiledBy:  req.CompiledBy,
		Version:     next,
		WorkTypes:   req.WorkTypes,
		AutoApprove: req.AutoApprove,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "compile rejected",
			"project_id", req.ProjectID, "version", next, "codes", findings.BySeverity(policy.SeverityError).Codes())
		m.record(audit.EntryCompileRejected, req.ProjectID, "compile", map[string]any{
			"version":  next,
			"findings": findings,
		})
		return &CompileResult{Findings: findings}, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hash, err := compiled.ContentHash()
	if err != nil {
		return nil, err
	}
	v := &PolicyVersion{
		ProjectID:     req.ProjectID,
		Version:       next,
		VersionName:   req.VersionName,
		Policy:        compiled,
		GraphSnapshot: compiled.GraphSnapshot,
		ContentHash:   "sha256:" + hash,
		IsActive:      req.Activate,
		IsPublished:   req.Activate,
		CreatedBy:     req.CompiledBy,
		CreatedAt:     m.now().UTC(),
	}
	if _, err := m.store.Save(ctx, v); err != nil {
		return nil, fmt.Errorf("compile %s: save v%d: %w", req.ProjectID, next, err)
	}

	m.logger.InfoContext(ctx, "policy version compiled",
		"project_id", v.ProjectID, "version", v.Version, "version_id", v.ID,
		"active", v.IsActive, "content_hash", v.ContentHash)
	m.record(audit.EntryVersionCompiled, v.ProjectID, "compile", versionPayload(v))
	if v.IsActive {
		m.record(audit.EntryVersionActivated, v.ProjectID, "activate", versionPayload(v))
		m.export(ctx, v)
	}
	return &CompileResult{Version: v, Findings: findings}, nil
}

// checkVersionName requires name to be greater than every named version of
// the project.
func (m *Manager) checkVersionName(ctx context.Context, projectID, name string) error {
	candidate, err := semver.StrictNewVersion(name)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidVersionName, name)
	}
	versions, err := m.store.ListVersions(ctx, projectID)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v.VersionName == "" {
			continue
		}
		existing, err := semver.NewVersion(v.VersionName)
		if err != nil {
			continue
		}
		if !candidate.GreaterThan(existing) {
			return fmt.Errorf("%w: %s <= %s (v%d)", ErrVersionNameRegression, name, v.VersionName, v.Version)
		}
	}
	return nil
}

// Activate makes versionID the project's only active version.
func (m *Manager) Activate(ctx context.Context, versionID string) (v *PolicyVersion, err error) {
	ctx, done := m.obs.TrackOperation(ctx, "policy.activate", attribute.String("version.id", versionID))
	defer func() { done(err) }()

	target, err := m.store.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}
	v, err = m.activateLocked(ctx, target)
	if err != nil {
		return nil, err
	}
	m.record(audit.EntryVersionActivated, v.ProjectID, "activate", versionPayload(v))
	return v, nil
}

func (m *Manager) activateLocked(ctx context.Context, target *PolicyVersion) (*PolicyVersion, error) {
	unlock, err := m.locker.Lock(ctx, "project:"+target.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("activate %s: acquire lock: %w", target.ID, err)
	}
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := m.store.Activate(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "policy version activated",
		"project_id", v.ProjectID, "version", v.Version, "version_id", v.ID)
	m.export(ctx, v)
	return v, nil
}

// Rollback re-activates an older version. Pinned work items keep their
// pins.
func (m *Manager) Rollback(ctx context.Context, projectID string, version int) (v *PolicyVersion, err error) {
	ctx, done := m.obs.TrackOperation(ctx, "policy.rollback",
		attribute.String("project.id", projectID), attribute.Int("version", version))
	defer func() { done(err) }()

	target, err := m.store.GetByNumber(ctx, projectID, version)
	if err != nil {
		return nil, err
	}
	active, err := m.store.GetActive(ctx, projectID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	case target.Version >= active.Version:
		return nil, fmt.Errorf("rollback %s to v%d: active version is v%d: %w",
			projectID, version, active.Version, ErrVersionConflict)
	}

	v, err = m.activateLocked(ctx, target)
	if err != nil {
		return nil, err
	}
	payload := versionPayload(v)
	if active != nil {
		payload["fromVersion"] = active.Version
	}
	m.record(audit.EntryVersionRolledBack, projectID, "rollback", payload)
	return v, nil
}

// PinRequest binds a work item to a version. An empty VersionID pins the
// project's active version.
type PinRequest struct {
	WorkItemID   string `json:"workItemId"`
	ProjectID    string `json:"projectId"`
	VersionID    string `json:"versionId,omitempty"`
	ContractorID string `json:"contractorId,omitempty"`
	ContractID   string `json:"contractId,omitempty"`
}

// PinWorkItem pins a work item. A work item is pinned at most once; later
// moves go through Rebind.
func (m *Manager) PinWorkItem(ctx context.Context, req PinRequest) (*Pin, error) {
	if req.WorkItemID == "" {
		return nil, errors.New("pin: work item id is required")
	}

	var v *PolicyVersion
	var err error
	if req.VersionID == "" {
		v, err = m.store.GetActive(ctx, req.ProjectID)
	} else {
		v, err = m.store.Get(ctx, req.VersionID)
	}
	if err != nil {
		return nil, fmt.Errorf("pin %s: %w", req.WorkItemID, err)
	}
	if req.ProjectID != "" && v.ProjectID != req.ProjectID {
		return nil, fmt.Errorf("pin %s: version %s: %w", req.WorkItemID, v.ID, ErrProjectMismatch)
	}

	pin := Pin{
		WorkItemID:   req.WorkItemID,
		ProjectID:    v.ProjectID,
		VersionID:    v.ID,
		ContractorID: req.ContractorID,
		ContractID:   req.ContractID,
		PinnedAt:     m.now().UTC(),
	}
	if err := m.store.Pin(ctx, pin); err != nil {
		return nil, err
	}
	m.record(audit.EntryWorkItemPinned, pin.WorkItemID, "pin", map[string]any{
		"projectId": pin.ProjectID,
		"versionId": pin.VersionID,
		"version":   v.Version,
	})
	return &pin, nil
}

// PinStatus returns the work item's pin.
func (m *Manager) PinStatus(ctx context.Context, workItemID string) (*Pin, error) {
	return m.store.PinStatus(ctx, workItemID)
}

// ResolvePolicy returns the version a work item runs under: its pin when it
// has one, otherwise the project's active version. A pin held by another
// project is ErrProjectMismatch; an empty projectID accepts the pin's own.
func (m *Manager) ResolvePolicy(ctx context.Context, projectID, workItemID string) (*PolicyVersion, error) {
	if workItemID != "" {
		pin, err := m.store.PinStatus(ctx, workItemID)
		switch {
		case err == nil:
			if projectID != "" && pin.ProjectID != projectID {
				return nil, fmt.Errorf("work item %s is pinned in project %s, not %s: %w",
					workItemID, pin.ProjectID, projectID, ErrProjectMismatch)
			}
			return m.store.Get(ctx, pin.VersionID)
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}
	return m.store.GetActive(ctx, projectID)
}

// Simulate resolves the work item's version and runs a simulation against
// it. Nothing is persisted.
func (m *Manager) Simulate(ctx context.Context, projectID, workItemID string, in simulation.Input) (res *simulation.Result, err error) {
	if m.engine == nil {
		return nil, errors.New("simulate: no simulation engine configured")
	}
	ctx, done := m.obs.TrackOperation(ctx, "policy.simulate", attribute.String("project.id", projectID))
	defer func() { done(err) }()

	v, err := m.ResolvePolicy(ctx, projectID, workItemID)
	if err != nil {
		return nil, err
	}
	return m.engine.Simulate(ctx, v.Policy, in)
}

// Diff compares two stored versions.
func (m *Manager) Diff(ctx context.Context, fromID, toID string) (*policy.PolicyDiff, error) {
	from, err := m.store.Get(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := m.store.Get(ctx, toID)
	if err != nil {
		return nil, err
	}
	if from.ProjectID != to.ProjectID {
		return nil, fmt.Errorf("diff %s..%s: %w", fromID, toID, ErrProjectMismatch)
	}
	return policy.Diff(from.Policy, to.Policy)
}

func (m *Manager) record(t audit.EntryType, subject, action string, payload any) {
	if m.auditLog == nil {
		return
	}
	if _, err := m.auditLog.Append(t, subject, action, payload, nil); err != nil {
		m.logger.Error("audit append failed", "entry_type", t, "subject", subject, "error", err)
	}
}

// export writes the published version to the exporter. Export failures are
// logged; the version stays active.
func (m *Manager) export(ctx context.Context, v *PolicyVersion) {
	if m.exporter == nil {
		return
	}
	data, err := canonicalize.JCS(v.Policy)
	if err != nil {
		m.logger.ErrorContext(ctx, "policy export encode failed", "version_id", v.ID, "error", err)
		return
	}
	ref, err := m.exporter.Put(ctx, data)
	if err != nil {
		m.logger.ErrorContext(ctx, "policy export failed", "version_id", v.ID, "error", err)
		return
	}
	m.logger.InfoContext(ctx, "policy version exported", "version_id", v.ID, "ref", ref)
}

func versionPayload(v *PolicyVersion) map[string]any {
	return map[string]any{
		"versionId":   v.ID,
		"version":     v.Version,
		"versionName": v.VersionName,
		"contentHash": v.ContentHash,
	}
}
