package engine

import (
	"context"

	runway "github.com/gxo-labs/runway/pkg/runway/v1"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

// PermissionAuthorizer grants an operation when the principal belongs to the
// workflow's organization and holds the permission, or administers the
// organization.
type PermissionAuthorizer struct{}

// Authorize implements runway.Authorizer.
func (PermissionAuthorizer) Authorize(_ context.Context, p runway.Principal, perm string, wf *workflow.Workflow) error {
	if p.ID == "" {
		return rwerrors.NewPermissionDeniedError("anonymous", perm, "no authenticated principal")
	}
	orgID := p.OrgID
	if wf != nil && wf.OrgID != "" {
		if p.OrgID != wf.OrgID {
			return rwerrors.NewPermissionDeniedError(p.ID, perm, "workflow belongs to another organization")
		}
		orgID = wf.OrgID
	}
	if p.HasPermission(perm) || p.IsOrgAdmin(orgID) {
		return nil
	}
	return rwerrors.NewPermissionDeniedError(p.ID, perm, "")
}

// mayCancel reports whether caller may cancel exec: the user who triggered
// it, an administrator of its organization, or the workflow owner.
func mayCancel(caller runway.Principal, exec *workflow.Execution, wf *workflow.Workflow) bool {
	if caller.ID == "" {
		return false
	}
	if caller.ID == exec.TriggeredBy || caller.IsOrgAdmin(exec.OrgID) {
		return true
	}
	return wf != nil && wf.OwnerID != "" && wf.OwnerID == caller.ID
}

var _ runway.Authorizer = PermissionAuthorizer{}
