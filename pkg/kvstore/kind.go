package kvstore

// Kind is a closed tagged variant identifying the kind of entity stored
// under a (kind, id) key. Modeling it as a variant rather than a bare
// string lets set-membership (grantable, single-use) be expressed as a
// switch instead of ad-hoc string comparisons scattered across callers.
type Kind string

const (
	KindClient                           Kind = "Client"
	KindGrant                            Kind = "Grant"
	KindSession                          Kind = "Session"
	KindInteraction                      Kind = "Interaction"
	KindAuthorizationCode                Kind = "AuthorizationCode"
	KindAccessToken                      Kind = "AccessToken"
	KindRefreshToken                     Kind = "RefreshToken"
	KindDeviceCode                       Kind = "DeviceCode"
	KindBackchannelAuthenticationRequest Kind = "BackchannelAuthenticationRequest"
)

// grantableKinds are kinds whose payload carries a grant_id and therefore
// get appended to the grant's revocation list on upsert.
var grantableKinds = map[Kind]bool{
	KindAuthorizationCode:                true,
	KindAccessToken:                      true,
	KindRefreshToken:                     true,
	KindDeviceCode:                       true,
	KindBackchannelAuthenticationRequest: true,
}

// singleUseKinds are kinds stored as a hash with a consumed timestamp
// field. Access and refresh tokens are validated by signature/expiry
// rather than a consumed marker in the library this component fronts,
// so only the code-like, one-shot grant kinds are single-use.
var singleUseKinds = map[Kind]bool{
	KindAuthorizationCode:                true,
	KindDeviceCode:                       true,
	KindBackchannelAuthenticationRequest: true,
}

// IsGrantable reports whether kind participates in grant-based revocation.
func IsGrantable(kind Kind) bool { return grantableKinds[kind] }

// IsSingleUse reports whether kind is consumed at most once.
func IsSingleUse(kind Kind) bool { return singleUseKinds[kind] }
