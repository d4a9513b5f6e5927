// Package auth provides bearer credentials for the Azure APIs.
//
// Two credential variants exist: a pre-acquired bearer token and a service
// principal that acquires tokens lazily through the AAD client-credentials
// flow. Callers pick the variant explicitly; nothing is inferred from the
// shape of the input.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultAuthority is the AAD endpoint used when the credentials file does
// not carry one.
const DefaultAuthority = "https://login.microsoftonline.com"

// Credential produces a bearer token for the given resource scope.
type Credential interface {
	Token(ctx context.Context, scope string) (string, error)
}

// BearerToken is a caller-supplied, pre-acquired access token. It is handed
// out as-is for every scope; the caller owns its lifetime and refresh.
type BearerToken string

// Token returns the raw token.
func (t BearerToken) Token(ctx context.Context, scope string) (string, error) {
	if t == "" {
		return "", fmt.Errorf("bearer token is empty")
	}
	return string(t), nil
}

// ServicePrincipal acquires tokens via the client-credentials flow. Tokens
// are cached per scope until they expire; changing the credentials
// invalidates the cache.
type ServicePrincipal struct {
	mu        sync.Mutex
	tenantID  string
	clientID  string
	secret    string
	authority string
	tokens    map[string]*oauth2.Token
}

// NewServicePrincipal creates a service principal credential.
func NewServicePrincipal(tenantID, clientID, clientSecret string) *ServicePrincipal {
	return &ServicePrincipal{
		tenantID:  tenantID,
		clientID:  clientID,
		secret:    clientSecret,
		authority: DefaultAuthority,
		tokens:    make(map[string]*oauth2.Token),
	}
}

// SetAuthority overrides the AAD endpoint, e.g. for sovereign clouds.
func (sp *ServicePrincipal) SetAuthority(authority string) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.authority = strings.TrimSuffix(authority, "/")
	sp.tokens = make(map[string]*oauth2.Token)
}

// SetCredentials replaces the service principal secret material and
// invalidates every cached token.
func (sp *ServicePrincipal) SetCredentials(tenantID, clientID, clientSecret string) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.tenantID = tenantID
	sp.clientID = clientID
	sp.secret = clientSecret
	sp.tokens = make(map[string]*oauth2.Token)
}

// Token returns a bearer token for the scope, acquiring one with the
// caller's context when the cached token is missing or expired.
func (sp *ServicePrincipal) Token(ctx context.Context, scope string) (string, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if token, ok := sp.tokens[scope]; ok && token.Valid() {
		return token.AccessToken, nil
	}

	cfg := &clientcredentials.Config{
		ClientID:     sp.clientID,
		ClientSecret: sp.secret,
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", sp.authority, sp.tenantID),
		Scopes:       []string{scope},
	}
	token, err := cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire token for %s: %w", scope, err)
	}
	sp.tokens[scope] = token
	return token.AccessToken, nil
}

// CredentialsFile is the Azure service principal JSON document.
type CredentialsFile struct {
	ClientID                       string `json:"clientId"`
	ClientSecret                   string `json:"clientSecret"`
	TenantID                       string `json:"tenantId"`
	SubscriptionID                 string `json:"subscriptionId"`
	ActiveDirectoryEndpointURL     string `json:"activeDirectoryEndpointUrl,omitempty"`
	ManagementEndpointURL          string `json:"managementEndpointUrl,omitempty"`
	ResourceManagerEndpointURL     string `json:"resourceManagerEndpointUrl,omitempty"`
	ActiveDirectoryGraphResourceID string `json:"activeDirectoryGraphResourceId,omitempty"`
}

// Validate checks the fields required for token acquisition.
func (c *CredentialsFile) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("clientSecret is required")
	}
	if c.TenantID == "" {
		return fmt.Errorf("tenantId is required")
	}
	return nil
}

// LoadCredentialsFile reads and validates a service principal JSON file.
func LoadCredentialsFile(path string) (*CredentialsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var creds CredentialsFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}

	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials file %s: %w", path, err)
	}

	return &creds, nil
}

// FromCredentialsFile builds a service principal credential from a loaded
// credentials document.
func FromCredentialsFile(creds *CredentialsFile) *ServicePrincipal {
	sp := NewServicePrincipal(creds.TenantID, creds.ClientID, creds.ClientSecret)
	if creds.ActiveDirectoryEndpointURL != "" {
		sp.SetAuthority(creds.ActiveDirectoryEndpointURL)
	}
	return sp
}
