package service

import (
	"strings"

	"github.com/olympic/session-gateway/internal/util"
)

const (
	trialTokenPrefix = "trial_"
	maxTokenAttempts = 3
)

// TokenIssuer mints bearer tokens for paid sessions.
type TokenIssuer interface {
	NewToken() (string, error)
}

type RandomTokenIssuer struct{}

func (RandomTokenIssuer) NewToken() (string, error) {
	return util.GenerateToken()
}

// TrialToken derives the row key of an identity's trial session. It is
// never handed to callers as a bearer token.
func TrialToken(identity string) string {
	return trialTokenPrefix + util.HashToken(identity)
}

func isTrialToken(token string) bool {
	return strings.HasPrefix(token, trialTokenPrefix)
}
