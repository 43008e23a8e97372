package realtime

import (
	"net/http"

	muralerrors "github.com/mirkobrombin/go-mural/v1/errors"
)

// DefaultUserHeader names the header HeaderAuth trusts.
const DefaultUserHeader = "X-Mural-User"

// AuthProvider resolves the acting user of a request.
type AuthProvider interface {
	Authenticate(r *http.Request) (string, error)
}

// HeaderAuth trusts a fronting proxy to have authenticated the request
// and reads the identity from a header, falling back to the user query
// parameter for browser streams that cannot set headers.
type HeaderAuth struct {
	Header string
}

// Authenticate implements AuthProvider.Authenticate.
func (a HeaderAuth) Authenticate(r *http.Request) (string, error) {
	header := a.Header
	if header == "" {
		header = DefaultUserHeader
	}
	if user := r.Header.Get(header); user != "" {
		return user, nil
	}
	if user := r.URL.Query().Get("user"); user != "" {
		return user, nil
	}
	return "", muralerrors.ErrUnauthorized
}
