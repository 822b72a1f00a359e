package auth

import (
	"context"
	"net/http"
)

type BasicAuthEngine struct {
	AccessKey string
	SecretKey string
}

// NewBasicAuthEngine creates a new BasicAuthEngine accepting the given key
// pair.
func NewBasicAuthEngine(accessKey, secretKey string) *BasicAuthEngine {
	return &BasicAuthEngine{
		AccessKey: accessKey,
		SecretKey: secretKey,
	}
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials. It returns a User object if the credentials are valid, nil
// otherwise.
func (e *BasicAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return nil, nil
	}

	if user != e.AccessKey || pass != e.SecretKey {
		return nil, nil
	}

	return &User{
		AccessKey: user,
	}, nil
}
