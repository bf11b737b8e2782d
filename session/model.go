package session

// Metadata is the subset of the authorization server's discovery document
// the session manager consumes. Values are fixed once fetched.
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// TokenSet is the credential bundle persisted after a code exchange or a refresh.
type TokenSet struct {
	AccessToken  string `json:"accessToken" validate:"required"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn" validate:"gte=0"`
	TokenType    string `json:"tokenType" validate:"required"`
}

// tokenMetadata is the JSON document stored beside the two token entries.
type tokenMetadata struct {
	ExpiresIn int64  `json:"expiresIn"`
	TokenType string `json:"tokenType"`
	Timestamp int64  `json:"timestamp"`
}

// User mirrors the claims returned by the user-info endpoint.
type User struct {
	Subject           string `json:"sub" validate:"required"`
	PreferredUsername string `json:"preferred_username" validate:"required"`
	Email             string `json:"email" validate:"required,email"`
	GivenName         string `json:"given_name" validate:"required"`
	FamilyName        string `json:"family_name" validate:"required"`
}

// AuthorizationOutcome discriminates the result of an interactive authorization.
type AuthorizationOutcome int

const (
	AuthorizationSucceeded AuthorizationOutcome = iota
	AuthorizationCancelled
	AuthorizationFailed
)

func (o AuthorizationOutcome) String() string {
	switch o {
	case AuthorizationSucceeded:
		return "success"
	case AuthorizationCancelled:
		return "cancel"
	default:
		return "error"
	}
}

// AuthorizationResult is returned by Authorize. Code is set on success,
// Error and Err on failure.
type AuthorizationResult struct {
	Outcome AuthorizationOutcome
	Code    string
	Error   string
	Err     error
}
