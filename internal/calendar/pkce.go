package calendar

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// newStateToken generates the random CSRF state parameter for one
// authorization attempt.
func newStateToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// emailFromIDToken extracts the account email from an unsigned identity
// token payload. The token is not signature-verified: it arrives over
// TLS directly from the token endpoint, so decoding the claims segment
// is sufficient.
func emailFromIDToken(idToken string) (string, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("identity token is not a JWT")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("failed to decode identity token payload: %w", err)
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("failed to parse identity token claims: %w", err)
	}
	if claims.Email == "" {
		return "", fmt.Errorf("identity token carries no email claim")
	}
	return claims.Email, nil
}
