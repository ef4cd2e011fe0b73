package flow

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// SubjectFromIDToken reads the sub claim of an OpenID Connect id_token.
// The signature is not verified: the subject only labels the stored
// credentials and is never used for an access decision.
func SubjectFromIDToken(idToken string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return "", err
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", errors.New("id_token has no sub claim")
	}
	return sub, nil
}
