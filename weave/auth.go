package weave

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims carried by an editor token. parsed unverified: the relay uses
// them only for presence attribution, never for authorization.

type ByJwt struct {
	UserId      Id
	DisplayName string
	SessionId   string
}

func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	// tokens arrive from untrusted query params. claims of the wrong
	// type are dropped, not panicked on.
	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if displayName, ok := claims["display_name"].(string); ok {
		byJwt.DisplayName = displayName
	}
	if sessionId, ok := claims["session_id"].(string); ok {
		byJwt.SessionId = sessionId
	}

	return byJwt, nil
}
