package ci

import "forge/internal/ci/workspace"

// provisionerAdapter lifts the concrete workspace provisioner to the
// supervisor's interface.
type provisionerAdapter struct {
	p *workspace.Provisioner
}

// NewWorkspaceProvisioner wraps a workspace.Provisioner for the
// supervisor.
func NewWorkspaceProvisioner(p *workspace.Provisioner) WorkspaceProvisioner {
	return provisionerAdapter{p: p}
}

func (a provisionerAdapter) Provision(jobID int64, repo, commit string) (Workspace, error) {
	ws, err := a.p.Provision(jobID, repo, commit)
	if err != nil {
		return nil, err
	}
	return ws, nil
}
