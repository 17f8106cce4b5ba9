package providers

import (
	"sort"
	"strings"

	"golang.org/x/oauth2"

	"github.com/craftloghq/connect/internal/pkg/autherr"
	"github.com/craftloghq/connect/internal/pkg/env"
)

// Config describes one OAuth provider: its endpoints, scopes and
// capabilities. Client credentials are resolved from the environment at
// lookup time so that the table itself stays static and credential-free.
type Config struct {
	Name        string
	DisplayName string
	AuthURL     string
	TokenURL    string
	// RevokeURL is empty for providers without a usable revocation endpoint;
	// disconnect is then local-only.
	RevokeURL string
	Scopes    []string
	// UsesPKCE marks providers where we attach an S256 challenge and keep
	// the verifier server-side.
	UsesPKCE bool
	// Group names a set of providers covered by a single authorization
	// grant (one Atlassian consent covers Jira and Confluence). Empty for
	// standalone providers.
	Group string
	// CredentialPrefix overrides the env prefix for client credentials.
	// Group members share their group's app registration.
	CredentialPrefix string
	// ExtraAuthParams are provider-specific query parameters for the
	// authorization redirect (e.g. Google's access_type=offline, without
	// which no refresh token is issued).
	ExtraAuthParams map[string]string
	// BasicAuthToken marks providers whose token endpoint wants client
	// credentials in a basic-auth header instead of the form body. Pinning
	// the style avoids oauth2's auto-detect probe issuing a second request.
	BasicAuthToken bool
}

// registry holds exactly one Config per provider name. Adding a provider is
// an entry here plus its credentials in the environment, nothing else.
var registry = map[string]Config{
	"github": {
		Name:        "github",
		DisplayName: "GitHub",
		AuthURL:     "https://github.com/login/oauth/authorize",
		TokenURL:    "https://github.com/login/oauth/access_token",
		Scopes:      []string{"repo", "read:user"},
	},
	"atlassian-jira": {
		Name:             "atlassian-jira",
		DisplayName:      "Jira",
		AuthURL:          "https://auth.atlassian.com/authorize",
		TokenURL:         "https://auth.atlassian.com/oauth/token",
		Scopes:           []string{"read:jira-work", "read:jira-user", "offline_access"},
		Group:            "atlassian",
		CredentialPrefix: "ATLASSIAN",
		ExtraAuthParams:  map[string]string{"audience": "api.atlassian.com", "prompt": "consent"},
	},
	"atlassian-confluence": {
		Name:             "atlassian-confluence",
		DisplayName:      "Confluence",
		AuthURL:          "https://auth.atlassian.com/authorize",
		TokenURL:         "https://auth.atlassian.com/oauth/token",
		Scopes:           []string{"read:confluence-content.summary", "offline_access"},
		Group:            "atlassian",
		CredentialPrefix: "ATLASSIAN",
		ExtraAuthParams:  map[string]string{"audience": "api.atlassian.com", "prompt": "consent"},
	},
	"google": {
		Name:            "google",
		DisplayName:     "Google",
		AuthURL:         "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:        "https://oauth2.googleapis.com/token",
		RevokeURL:       "https://oauth2.googleapis.com/revoke",
		Scopes:          []string{"https://www.googleapis.com/auth/calendar.readonly", "https://www.googleapis.com/auth/drive.metadata.readonly"},
		UsesPKCE:        true,
		ExtraAuthParams: map[string]string{"access_type": "offline", "prompt": "consent"},
	},
	"microsoft": {
		Name:        "microsoft",
		DisplayName: "Microsoft 365",
		AuthURL:     "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		TokenURL:    "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		Scopes:      []string{"offline_access", "Calendars.Read", "Files.Read"},
		UsesPKCE:    true,
	},
	"slack": {
		Name:        "slack",
		DisplayName: "Slack",
		AuthURL:     "https://slack.com/oauth/v2/authorize",
		TokenURL:    "https://slack.com/api/oauth.v2.access",
		RevokeURL:   "https://slack.com/api/auth.revoke",
		Scopes:      []string{"channels:history", "users:read"},
	},
	"figma": {
		Name:           "figma",
		DisplayName:    "Figma",
		AuthURL:        "https://www.figma.com/oauth",
		TokenURL:       "https://api.figma.com/v1/oauth/token",
		Scopes:         []string{"file_read"},
		BasicAuthToken: true,
	},
	"zoom": {
		Name:           "zoom",
		DisplayName:    "Zoom",
		AuthURL:        "https://zoom.us/oauth/authorize",
		TokenURL:       "https://zoom.us/oauth/token",
		RevokeURL:      "https://zoom.us/oauth/revoke",
		Scopes:         []string{"meeting:read", "recording:read"},
		UsesPKCE:       true,
		BasicAuthToken: true,
	},
}

// ByName returns the config for a provider name.
func ByName(name string) (Config, error) {
	cfg, ok := registry[name]
	if !ok {
		return Config{}, autherr.NewConfigError("provider", "unknown provider "+name)
	}
	return cfg, nil
}

// ByGroup returns all member configs of a group, sorted by name so group
// provisioning is deterministic.
func ByGroup(group string) ([]Config, error) {
	var members []Config
	for _, cfg := range registry {
		if cfg.Group == group {
			members = append(members, cfg)
		}
	}
	if len(members) == 0 {
		return nil, autherr.NewConfigError("group", "unknown provider group "+group)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	return members, nil
}

// All returns every registered config sorted by name.
func All() []Config {
	all := make([]Config, 0, len(registry))
	for _, cfg := range registry {
		all = append(all, cfg)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

func (c Config) envPrefix() string {
	if c.CredentialPrefix != "" {
		return c.CredentialPrefix
	}
	return strings.ToUpper(strings.ReplaceAll(c.Name, "-", "_"))
}

// ClientCredentials resolves the provider's app registration from the
// environment. Missing credentials are a configuration error, never a
// silent empty-string pass-through to the provider.
func (c Config) ClientCredentials() (id, secret string, err error) {
	prefix := c.envPrefix()
	id = env.GetEnv(prefix+"_CLIENT_ID", "")
	secret = env.GetEnv(prefix+"_CLIENT_SECRET", "")
	if id == "" || secret == "" {
		return "", "", autherr.NewConfigError(prefix+"_CLIENT_ID", "client credentials are not configured")
	}
	return id, secret, nil
}

// OAuthConfig builds the oauth2 client config for this provider. redirectURL
// is the shared callback endpoint; the state nonce routes it back to the
// right provider.
func (c Config) OAuthConfig(redirectURL string) (*oauth2.Config, error) {
	id, secret, err := c.ClientCredentials()
	if err != nil {
		return nil, err
	}
	style := oauth2.AuthStyleInParams
	if c.BasicAuthToken {
		style = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     id,
		ClientSecret: secret,
		RedirectURL:  redirectURL,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthURL,
			TokenURL:  c.TokenURL,
			AuthStyle: style,
		},
	}, nil
}

// GroupOAuthConfig builds one oauth2 config spanning every scope of the
// group, used for the single consent screen that covers all member tools.
func GroupOAuthConfig(group, redirectURL string) (*oauth2.Config, []Config, error) {
	members, err := ByGroup(group)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := members[0].OAuthConfig(redirectURL)
	if err != nil {
		return nil, nil, err
	}
	seen := map[string]bool{}
	var scopes []string
	for _, m := range members {
		for _, s := range m.Scopes {
			if !seen[s] {
				seen[s] = true
				scopes = append(scopes, s)
			}
		}
	}
	cfg.Scopes = scopes
	return cfg, members, nil
}
