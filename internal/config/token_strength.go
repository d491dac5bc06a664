package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

// A guessable admin or cluster token exposes the whole management surface.
// Anything scoring below this zxcvbn threshold draws a startup warning.
const weakTokenScoreThreshold = 3

// IsWeakToken reports whether token is too guessable to protect the admin
// surface. An empty token disables auth outright, which is an explicit
// operator choice, so it is not reported as weak.
func IsWeakToken(token string) bool {
	if token == "" {
		return false
	}
	result := zxcvbn.PasswordStrength(token, nil)
	return result.Score < weakTokenScoreThreshold
}
