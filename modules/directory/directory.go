// Package directory looks up Google Workspace group memberships through the Admin SDK.
package directory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/option"
)

// Group is a directory group the looked-up user belongs to.
type Group struct {
	Name  string
	Email string
}

type Lister interface {
	ListGroups(ctx context.Context, email string) ([]Group, error)
}

// DefaultCredentialsFile is where the service account key lives relative to the deployment root.
// It is kept outside of the served tree on purpose.
func DefaultCredentialsFile(deployRoot string) string {
	return filepath.Join(deployRoot, "..", "files-private", "googleAuth_key.json")
}

// Provider builds a Lister from the service account key on every call.
// A missing key file disables lookups without being an error.
type Provider struct {
	CredentialsFile string

	// Subject is the Workspace admin impersonated through domain-wide delegation.
	Subject string

	// Options are appended to the Admin SDK client options (useful for pointing at fakes).
	Options []option.ClientOption

	limiter *rate.Limiter
}

func NewProvider(credentialsFile, subject string, opts ...option.ClientOption) *Provider {
	return &Provider{
		CredentialsFile: credentialsFile,
		Subject:         subject,
		Options:         opts,
		limiter:         rate.NewLimiter(rate.Every(50*time.Millisecond), 10),
	}
}

// Open returns false when the credentials file doesn't exist.
func (p *Provider) Open(ctx context.Context) (Lister, bool, error) {
	key, err := os.ReadFile(p.CredentialsFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, fmt.Errorf("reading service account key: %w", err)
	}

	l, err := NewGoogleLister(ctx, key, p.Subject, p.Options...)
	if err != nil {
		return nil, true, err
	}
	l.limiter = p.limiter
	return l, true, nil
}

// GoogleLister lists groups with the Admin SDK Directory API.
type GoogleLister struct {
	svc     *admin.Service
	limiter *rate.Limiter
}

// NewGoogleLister impersonates subject with the given service account key.
// Only the read-only group scope is requested.
func NewGoogleLister(ctx context.Context, keyJSON []byte, subject string, opts ...option.ClientOption) (*GoogleLister, error) {
	if subject == "" {
		return nil, errors.New("an admin email to impersonate is required")
	}

	jwtConfig, err := google.JWTConfigFromJSON(keyJSON, admin.AdminDirectoryGroupReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parsing service account key: %w", err)
	}
	jwtConfig.Subject = subject

	opts = append([]option.ClientOption{option.WithHTTPClient(jwtConfig.Client(ctx))}, opts...)
	svc, err := admin.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating admin service: %w", err)
	}
	return &GoogleLister{svc: svc}, nil
}

// ListGroups returns every group that directly contains the given email.
func (g *GoogleLister) ListGroups(ctx context.Context, email string) ([]Group, error) {
	var groups []Group
	var pageToken string
	for {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		call := g.svc.Groups.List().UserKey(email).MaxResults(200).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("listing groups for %s: %w", email, err)
		}

		for _, group := range resp.Groups {
			groups = append(groups, Group{Name: group.Name, Email: group.Email})
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			return groups, nil
		}
	}
}
