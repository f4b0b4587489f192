package authproxy

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

// RefreshError indicates a refresh_token grant was rejected or failed.
// When the provider returned an OAuth error body, Code and Description
// carry it; otherwise Description holds the raw response text.
//
// A RefreshError means the affected user's state has been purged: the
// session must re-authenticate rather than operate on a half-refreshed
// token.
type RefreshError struct {
	UserID      string
	Code        string
	Description string
	Err         error
}

func (e *RefreshError) Error() string {
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("token refresh failed: %s: %s", e.Code, e.Description)
	case e.Code != "":
		return fmt.Sprintf("token refresh failed: %s", e.Code)
	case e.Description != "":
		return fmt.Sprintf("token refresh failed: %s", e.Description)
	default:
		return fmt.Sprintf("token refresh failed: %v", e.Err)
	}
}

func (e *RefreshError) Unwrap() error { return e.Err }

// newRefreshError extracts the provider's OAuth error body from an oauth2
// retrieval failure, falling back to the raw response text.
func newRefreshError(userID string, err error) *RefreshError {
	rerr := &RefreshError{UserID: userID, Err: err}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		rerr.Code = re.ErrorCode
		rerr.Description = re.ErrorDescription
		if rerr.Code == "" {
			body := strings.TrimSpace(string(re.Body))
			if len(body) > 256 {
				body = body[:256]
			}
			rerr.Description = body
		}
	}
	return rerr
}
