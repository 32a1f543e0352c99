package calendar

// OAuth 2.0 identifiers for the Google Calendar API.
// The client ID is a variable (not const) so it can be replaced at build time via:
//   go build -ldflags "-X github.com/OpenWhispr/openwhispr/internal/calendar.GoogleOAuthClientID=YOUR_ID"
// or at runtime through the OPENWHISPR_OAUTH_CLIENT_ID environment
// variable (loaded from .env). PKCE removes the need for a client secret.
var (
	// Public OAuth 2.0 Client ID (safe to publish)
	GoogleOAuthClientID = ""
)

// ClientIDEnvVar overrides the built-in client ID when set.
const ClientIDEnvVar = "OPENWHISPR_OAUTH_CLIENT_ID"

const (
	ScopeOpenID           = "openid"
	ScopeEmail            = "email"
	ScopeCalendarReadonly = "https://www.googleapis.com/auth/calendar.readonly"
)

// OAuthScopes defines the scopes requested during authorization. The
// openid/email scopes make the token response carry an identity token
// from which the account email is extracted.
var OAuthScopes = []string{ScopeOpenID, ScopeEmail, ScopeCalendarReadonly}
