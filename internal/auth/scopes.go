package auth

const (
	ScopeOpenID          = "openid"
	ScopeProfile         = "profile"
	ScopeEmail           = "email"
	ScopeGroups          = "groups"
	ScopeWorkflowsRead   = "workflows:read"
	ScopeWorkflowsManage = "workflows:manage"
)

// AllScopes is requested during the authorization code flow.
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeGroups,
	ScopeWorkflowsRead,
	ScopeWorkflowsManage,
}
