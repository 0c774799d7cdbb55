package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/qshe-platform/be-patrol-engine/internal/apperrors"
)

// IdentityClient resolves users and their roles against the platform
// identity service's REST API.
type IdentityClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewIdentityClient creates a client for the identity service at baseURL.
func NewIdentityClient(baseURL string) *IdentityClient {
	return &IdentityClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetUser fetches a single user by ID.
func (c *IdentityClient) GetUser(ctx context.Context, userID string) (*User, error) {
	url := fmt.Sprintf("%s/api/v1/users/%s", c.baseURL, userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to build identity request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "identity service unreachable")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, apperrors.NotFound("user", userID)
	default:
		return nil, apperrors.Newf(apperrors.CodeInternal, "identity service returned status %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to decode identity response")
	}
	return &user, nil
}

// GetUserRole returns the role name a user holds. Inactive users resolve to
// an empty role so downstream permission checks deny them.
func (c *IdentityClient) GetUserRole(ctx context.Context, userID string) (string, error) {
	user, err := c.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if !user.IsActive {
		return "", nil
	}
	return user.Role, nil
}
