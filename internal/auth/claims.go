package auth

import "github.com/golang-jwt/jwt/v5"

const tokenTypeAccess = "access"

// Claims is the bearer token shape issued by the dashboard's identity service.
// The pipeline only verifies it; issuing lives here for tooling and tests.
type Claims struct {
	jwt.RegisteredClaims

	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
	TokenType   string `json:"token_type"`
}
