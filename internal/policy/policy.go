// Package policy implements the deny-by-default RBAC gate: route
// resolution, the RBAC matrix, issue-tracking enforcement, and
// emergency-override approvals, grounded in the service layer's
// ServiceAuthMiddleware identity-intake shape generalized from
// service-to-service auth to route-level authorization.
package policy

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/oms-core/internal/author"
	"github.com/R3E-Network/oms-core/internal/omserrors"
)

// ResourceType is the canonical resource kind a route addresses.
type ResourceType string

const (
	ResourceSchema      ResourceType = "SCHEMA"
	ResourceObjectType  ResourceType = "OBJECT_TYPE"
	ResourceLinkType    ResourceType = "LINK_TYPE"
	ResourceActionType  ResourceType = "ACTION_TYPE"
	ResourceBranch      ResourceType = "BRANCH"
	ResourceProposal    ResourceType = "PROPOSAL"
	ResourceAudit       ResourceType = "AUDIT"
	ResourceWebhook     ResourceType = "WEBHOOK"
)

// Action is the canonical operation a route performs.
type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionMerge   Action = "merge"
	ActionExecute Action = "execute"
)

// Route is one entry in the static (method, pattern) -> (resource, action) table.
type Route struct {
	Method       string
	Pattern      string
	ResourceType ResourceType
	Action       Action
	re           *regexp.Regexp
}

var paramPattern = regexp.MustCompile(`\{[^/]+\}`)

const paramPlaceholder = "\x00PARAM\x00"

func compileRoute(pattern string) *regexp.Regexp {
	tokenized := paramPattern.ReplaceAllString(pattern, paramPlaceholder)
	quoted := regexp.QuoteMeta(tokenized)
	expr := strings.ReplaceAll(quoted, paramPlaceholder, `[^/]+`)
	return regexp.MustCompile("^" + expr + "$")
}

// Request is an inbound policy check.
type Request struct {
	Method              string
	Path                string
	User                *author.UserContext
	IssueHeader         string
	IssueBody           string
	IssueValidator      func(issueID string) bool
	EmergencyOverride   bool
	OverrideJustification string
	OverrideToken       string
}

// Decision is the policy gate's verdict, attached to the request context
// for downstream audit on success.
type Decision struct {
	Allow        bool
	Reason       string
	ResourceType ResourceType
	Action       Action
	RequiredIssue bool
	IssueRef     string
	OverrideUsed bool
	HTTPStatus   int
}

// rbacMatrix[role][resource] = set of allowed actions.
var rbacMatrix = map[string]map[ResourceType]map[Action]bool{
	"admin": {
		ResourceSchema:     {ActionRead: true},
		ResourceObjectType: {ActionCreate: true, ActionRead: true, ActionUpdate: true},
		ResourceLinkType:   {ActionCreate: true, ActionRead: true, ActionUpdate: true, ActionDelete: true},
		ResourceActionType: {ActionCreate: true, ActionRead: true, ActionUpdate: true, ActionDelete: true},
		ResourceBranch:     {ActionCreate: true, ActionRead: true, ActionUpdate: true, ActionDelete: true, ActionMerge: true},
		ResourceProposal:   {ActionCreate: true, ActionRead: true, ActionUpdate: true, ActionApprove: true, ActionReject: true},
		ResourceAudit:      {ActionRead: true},
		ResourceWebhook:    {ActionCreate: true, ActionRead: true, ActionExecute: true},
	},
	"developer": {
		ResourceObjectType: {ActionCreate: true, ActionRead: true, ActionUpdate: true},
		ResourceLinkType:   {ActionCreate: true, ActionRead: true, ActionUpdate: true},
		ResourceActionType: {ActionCreate: true, ActionRead: true, ActionUpdate: true},
		ResourceBranch:     {ActionCreate: true, ActionRead: true, ActionUpdate: true, ActionDelete: true},
		ResourceProposal:   {ActionCreate: true, ActionRead: true},
	},
	"reviewer": {
		ResourceSchema:     {ActionRead: true},
		ResourceObjectType: {ActionRead: true},
		ResourceLinkType:   {ActionRead: true},
		ResourceActionType: {ActionRead: true},
		ResourceBranch:     {ActionRead: true},
		ResourceProposal:   {ActionRead: true, ActionApprove: true, ActionReject: true},
		ResourceAudit:      {ActionRead: true},
	},
	"viewer": {
		ResourceSchema:     {ActionRead: true},
		ResourceObjectType: {ActionRead: true},
		ResourceLinkType:   {ActionRead: true},
		ResourceActionType: {ActionRead: true},
		ResourceBranch:     {ActionRead: true},
		ResourceProposal:   {ActionRead: true},
	},
	"service_account": {
		ResourceSchema:     {ActionRead: true},
		ResourceObjectType: {ActionRead: true},
		ResourceLinkType:   {ActionRead: true},
		ResourceActionType: {ActionRead: true},
		ResourceBranch:     {ActionRead: true},
		ResourceWebhook:    {ActionExecute: true},
		ResourceAudit:      {ActionCreate: true},
	},
}

// issueRequiredResources are the resource types whose mutations require
// an issue reference per spec.md §4.7 ("schema-bearing resources").
var issueRequiredResources = map[ResourceType]bool{
	ResourceSchema: true, ResourceObjectType: true, ResourceLinkType: true, ResourceActionType: true, ResourceBranch: true,
}

const overrideJustificationMinLen = 50

// OverrideStatus is the lifecycle state of an emergency override request.
type OverrideStatus string

const (
	OverridePending  OverrideStatus = "PENDING"
	OverrideApproved OverrideStatus = "APPROVED"
	OverrideDenied   OverrideStatus = "DENIED"
	OverrideExpired  OverrideStatus = "EXPIRED"
)

// OverrideRequest is the persisted approval-gated override row.
type OverrideRequest struct {
	ID              string
	RequesterID     string
	RequesterRoles  []string
	Resource        ResourceType
	Action          Action
	ChangeType      string
	Branch          string
	Justification   string
	Status          OverrideStatus
	ApprovedBy      string
	ApprovedAt      time.Time
	ExpiresAt       time.Time
	OverrideToken   string
}

// Gate is the C7 Policy Gate.
type Gate struct {
	routes      []Route
	publicPaths map[string]bool
	overrideTTL time.Duration

	mu        sync.Mutex
	overrides map[string]*OverrideRequest // keyed by request id, and also by override_token once approved
	now       func() time.Time
}

// NewGate constructs a Gate with the given static route table and
// public-path allowlist.
func NewGate(routes []Route, publicPaths []string, overrideTTL time.Duration) *Gate {
	compiled := make([]Route, len(routes))
	for i, r := range routes {
		r.re = compileRoute(r.Pattern)
		compiled[i] = r
	}
	pub := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		pub[p] = true
	}
	if overrideTTL <= 0 {
		overrideTTL = time.Hour
	}
	return &Gate{routes: compiled, publicPaths: pub, overrideTTL: overrideTTL, overrides: make(map[string]*OverrideRequest), now: time.Now}
}

// DefaultRoutes is a representative (method, pattern) -> (resource,
// action) table covering the REST surface a transport layer would
// register for schema CRUD, branch lifecycle, and merges. A real
// deployment supplies its own table generated from its route
// registrations; this is the composition root's starting point.
func DefaultRoutes() []Route {
	return []Route{
		{Method: "GET", Pattern: "/api/v1/schemas/{branch}/object-types", ResourceType: ResourceObjectType, Action: ActionRead},
		{Method: "POST", Pattern: "/api/v1/schemas/{branch}/object-types", ResourceType: ResourceObjectType, Action: ActionCreate},
		{Method: "GET", Pattern: "/api/v1/schemas/{branch}/object-types/{id}", ResourceType: ResourceObjectType, Action: ActionRead},
		{Method: "PUT", Pattern: "/api/v1/schemas/{branch}/object-types/{id}", ResourceType: ResourceObjectType, Action: ActionUpdate},
		{Method: "DELETE", Pattern: "/api/v1/schemas/{branch}/object-types/{id}", ResourceType: ResourceObjectType, Action: ActionDelete},
		{Method: "GET", Pattern: "/api/v1/schemas/{branch}/link-types/{id}", ResourceType: ResourceLinkType, Action: ActionRead},
		{Method: "PUT", Pattern: "/api/v1/schemas/{branch}/link-types/{id}", ResourceType: ResourceLinkType, Action: ActionUpdate},
		{Method: "DELETE", Pattern: "/api/v1/schemas/{branch}/link-types/{id}", ResourceType: ResourceLinkType, Action: ActionDelete},
		{Method: "GET", Pattern: "/api/v1/schemas/{branch}/action-types/{id}", ResourceType: ResourceActionType, Action: ActionRead},
		{Method: "PUT", Pattern: "/api/v1/schemas/{branch}/action-types/{id}", ResourceType: ResourceActionType, Action: ActionUpdate},
		{Method: "POST", Pattern: "/api/v1/branches", ResourceType: ResourceBranch, Action: ActionCreate},
		{Method: "GET", Pattern: "/api/v1/branches/{branch}", ResourceType: ResourceBranch, Action: ActionRead},
		{Method: "DELETE", Pattern: "/api/v1/branches/{branch}", ResourceType: ResourceBranch, Action: ActionDelete},
		{Method: "POST", Pattern: "/api/v1/branches/{branch}/merge", ResourceType: ResourceBranch, Action: ActionMerge},
		{Method: "GET", Pattern: "/api/v1/proposals/{id}", ResourceType: ResourceProposal, Action: ActionRead},
		{Method: "POST", Pattern: "/api/v1/proposals/{id}/approve", ResourceType: ResourceProposal, Action: ActionApprove},
		{Method: "POST", Pattern: "/api/v1/proposals/{id}/reject", ResourceType: ResourceProposal, Action: ActionReject},
		{Method: "GET", Pattern: "/api/v1/audit/{id}", ResourceType: ResourceAudit, Action: ActionRead},
		{Method: "POST", Pattern: "/api/v1/webhooks/{id}/execute", ResourceType: ResourceWebhook, Action: ActionExecute},
	}
}

// DefaultPublicPaths lists the unauthenticated surface (spec.md §4.7):
// health, docs, metrics.
func DefaultPublicPaths() []string {
	return []string{"/health", "/healthz", "/docs", "/metrics"}
}

// Authorize resolves the route, checks identity, the presence of a
// required issue reference (or an override header), RBAC, issue validity,
// and override rules, returning the minimum information on denial.
func (g *Gate) Authorize(ctx context.Context, req Request) Decision {
	if g.publicPaths[req.Path] {
		return Decision{Allow: true, Reason: "public_path"}
	}

	route := g.resolveRoute(req.Method, req.Path)
	if route == nil {
		return Decision{Allow: false, Reason: "route_not_registered", HTTPStatus: 403}
	}

	if req.User == nil {
		return Decision{Allow: false, Reason: "unauthenticated", HTTPStatus: 401, ResourceType: route.ResourceType, Action: route.Action}
	}

	requiresIssue := route.Action != ActionRead && issueRequiredResources[route.ResourceType]
	if route.Action == ActionDelete || route.Action == ActionMerge {
		requiresIssue = true
	}
	if requiresIssue && req.IssueHeader == "" && req.IssueBody == "" && !req.EmergencyOverride {
		return Decision{Allow: false, Reason: "issue_tracking_requirement_not_met", HTTPStatus: 422, ResourceType: route.ResourceType, Action: route.Action, RequiredIssue: true}
	}

	if !g.checkRBAC(req.User.Roles, route.ResourceType, route.Action) {
		return Decision{Allow: false, Reason: "forbidden", HTTPStatus: 403, ResourceType: route.ResourceType, Action: route.Action}
	}

	if requiresIssue {
		issueRef := req.IssueHeader
		if issueRef == "" {
			issueRef = req.IssueBody
		}

		if issueRef == "" {
			if d, ok := g.tryOverride(req, route); ok {
				return d
			}
			return Decision{Allow: false, Reason: "issue_tracking_requirement_not_met", HTTPStatus: 422, ResourceType: route.ResourceType, Action: route.Action, RequiredIssue: true}
		}

		if req.IssueValidator != nil && !req.IssueValidator(issueRef) {
			return Decision{Allow: false, Reason: "invalid_issue_id", HTTPStatus: 422, ResourceType: route.ResourceType, Action: route.Action, RequiredIssue: true}
		}

		return Decision{Allow: true, Reason: "ok", ResourceType: route.ResourceType, Action: route.Action, RequiredIssue: true, IssueRef: issueRef}
	}

	return Decision{Allow: true, Reason: "ok", ResourceType: route.ResourceType, Action: route.Action}
}

func (g *Gate) tryOverride(req Request, route *Route) (Decision, bool) {
	if !req.EmergencyOverride {
		return Decision{}, false
	}
	if len(req.OverrideJustification) < overrideJustificationMinLen {
		return Decision{Allow: false, Reason: "override_justification_required", HTTPStatus: 422, ResourceType: route.ResourceType, Action: route.Action}, true
	}

	g.mu.Lock()
	o, ok := g.overrides[req.OverrideToken]
	g.mu.Unlock()

	if !ok || o.OverrideToken != req.OverrideToken || o.Status != OverrideApproved || g.now().After(o.ExpiresAt) {
		return Decision{Allow: false, Reason: "override_not_approved", HTTPStatus: 403, ResourceType: route.ResourceType, Action: route.Action}, true
	}

	return Decision{Allow: true, Reason: "ok", ResourceType: route.ResourceType, Action: route.Action, RequiredIssue: true, OverrideUsed: true}, true
}

func (g *Gate) resolveRoute(method, path string) *Route {
	for i := range g.routes {
		r := &g.routes[i]
		if r.Method == method && r.re.MatchString(path) {
			return r
		}
	}
	return nil
}

func (g *Gate) checkRBAC(roles []string, resource ResourceType, action Action) bool {
	for _, role := range roles {
		if rbacMatrix[role][resource][action] {
			return true
		}
	}
	return false
}

// RequestOverride creates a fresh PENDING OverrideRequest.
func (g *Gate) RequestOverride(requesterID string, requesterRoles []string, resource ResourceType, action Action, changeType, branch, justification string) (*OverrideRequest, error) {
	if len(justification) < overrideJustificationMinLen {
		return nil, omserrors.PolicyDeniedStatus("override_justification_required", 422)
	}

	o := &OverrideRequest{
		ID: uuid.NewString(), RequesterID: requesterID, RequesterRoles: requesterRoles,
		Resource: resource, Action: action, ChangeType: changeType, Branch: branch,
		Justification: justification, Status: OverridePending,
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.overrides[o.ID] = o
	return o, nil
}

// ApproveOverride transitions a PENDING override to APPROVED. Only
// reviewer/admin roles may approve, per the resolved Open Question.
func (g *Gate) ApproveOverride(overrideID string, approverID string, approverRoles []string) (*OverrideRequest, error) {
	if !hasRole(approverRoles, "reviewer") && !hasRole(approverRoles, "admin") {
		return nil, omserrors.PolicyDenied("override approval requires reviewer or admin role")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.overrides[overrideID]
	if !ok {
		return nil, omserrors.NotFound("override request " + overrideID)
	}
	if o.Status != OverridePending {
		return nil, omserrors.InvalidTransition(string(o.Status), string(OverrideApproved))
	}

	o.Status = OverrideApproved
	o.ApprovedBy = approverID
	o.ApprovedAt = g.now()
	o.ExpiresAt = g.now().Add(g.overrideTTL)
	o.OverrideToken = uuid.NewString()
	g.overrides[o.OverrideToken] = o

	return o, nil
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if strings.EqualFold(r, want) {
			return true
		}
	}
	return false
}
