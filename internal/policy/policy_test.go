package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/oms-core/internal/author"
)

func testRoutes() []Route {
	return []Route{
		{Method: "DELETE", Pattern: "/api/v1/schemas/{branch}/object-types/{name}", ResourceType: ResourceObjectType, Action: ActionDelete},
		{Method: "GET", Pattern: "/api/v1/schemas/{branch}/object-types/{name}", ResourceType: ResourceObjectType, Action: ActionRead},
		{Method: "POST", Pattern: "/api/v1/branches/{name}/merge", ResourceType: ResourceBranch, Action: ActionMerge},
	}
}

func TestAuthorize_DenyByDefaultOnUnregisteredRoute(t *testing.T) {
	g := NewGate(testRoutes(), nil, time.Hour)
	d := g.Authorize(context.Background(), Request{Method: "PATCH", Path: "/unregistered", User: &author.UserContext{Roles: []string{"admin"}}})
	assert.False(t, d.Allow)
	assert.Equal(t, "route_not_registered", d.Reason)
}

func TestAuthorize_S4_PolicyDenialWithoutIssue(t *testing.T) {
	g := NewGate(testRoutes(), nil, time.Hour)
	d := g.Authorize(context.Background(), Request{
		Method: "DELETE", Path: "/api/v1/schemas/main/object-types/Person",
		User: &author.UserContext{UserID: "u1", Roles: []string{"developer"}},
	})
	assert.False(t, d.Allow)
	assert.Equal(t, 422, d.HTTPStatus)
}

func TestAuthorize_S4_DeveloperDeleteDeniedByRBACEvenWithValidIssue(t *testing.T) {
	g := NewGate(testRoutes(), nil, time.Hour)
	d := g.Authorize(context.Background(), Request{
		Method: "DELETE", Path: "/api/v1/schemas/main/object-types/Person",
		User: &author.UserContext{UserID: "u1", Roles: []string{"developer"}},
		IssueHeader: "OMS-123", IssueValidator: func(id string) bool { return id == "OMS-123" },
	})
	// developer has no Delete on OBJECT_TYPE per the RBAC matrix.
	assert.False(t, d.Allow)
}

func TestAuthorize_AdminDeleteOfObjectTypeDeniedEvenWithIssue(t *testing.T) {
	g := NewGate(testRoutes(), nil, time.Hour)
	d := g.Authorize(context.Background(), Request{
		Method: "DELETE", Path: "/api/v1/schemas/main/object-types/Person",
		User: &author.UserContext{UserID: "u1", Roles: []string{"admin"}},
		IssueHeader: "OMS-123", IssueValidator: func(id string) bool { return true },
	})
	// admin cannot delete OBJECT_TYPE per the matrix (critical resource).
	assert.False(t, d.Allow)
}

func TestAuthorize_ReadNeverRequiresIssue(t *testing.T) {
	g := NewGate(testRoutes(), nil, time.Hour)
	d := g.Authorize(context.Background(), Request{
		Method: "GET", Path: "/api/v1/schemas/main/object-types/Person",
		User: &author.UserContext{UserID: "u1", Roles: []string{"viewer"}},
	})
	assert.True(t, d.Allow)
}

func TestAuthorize_MissingIdentityUnauthorized(t *testing.T) {
	g := NewGate(testRoutes(), nil, time.Hour)
	d := g.Authorize(context.Background(), Request{Method: "GET", Path: "/api/v1/schemas/main/object-types/Person"})
	assert.False(t, d.Allow)
	assert.Equal(t, 401, d.HTTPStatus)
}

func TestAuthorize_S5_EmergencyOverrideFlow(t *testing.T) {
	g := NewGate(testRoutes(), nil, time.Hour)

	// Unapproved override: missing justification.
	d := g.Authorize(context.Background(), Request{
		Method: "POST", Path: "/api/v1/branches/main/merge",
		User: &author.UserContext{UserID: "u1", Roles: []string{"admin"}},
		EmergencyOverride: true,
	})
	assert.False(t, d.Allow)
	assert.Equal(t, 422, d.HTTPStatus)

	// Request and approve an override.
	o, err := g.RequestOverride("u1", []string{"admin"}, ResourceBranch, ActionMerge, "hotfix", "main",
		"production incident requires an emergency merge outside normal review")
	require.NoError(t, err)

	approved, err := g.ApproveOverride(o.ID, "r1", []string{"reviewer"})
	require.NoError(t, err)
	assert.Equal(t, OverrideApproved, approved.Status)

	d = g.Authorize(context.Background(), Request{
		Method: "POST", Path: "/api/v1/branches/main/merge",
		User: &author.UserContext{UserID: "u1", Roles: []string{"admin"}},
		EmergencyOverride: true, OverrideJustification: "production incident requires an emergency merge outside normal review",
		OverrideToken: approved.OverrideToken,
	})
	assert.True(t, d.Allow)
	assert.True(t, d.OverrideUsed)
}

func TestApproveOverride_RejectsNonReviewerNonAdmin(t *testing.T) {
	g := NewGate(testRoutes(), nil, time.Hour)
	o, err := g.RequestOverride("u1", []string{"developer"}, ResourceBranch, ActionMerge, "hotfix", "main",
		"a sufficiently long justification string for this override request")
	require.NoError(t, err)

	_, err = g.ApproveOverride(o.ID, "u2", []string{"developer"})
	require.Error(t, err)
}
