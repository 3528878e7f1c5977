// Package wellknown holds the OAuth 2.0 Protected Resource Metadata
// document (RFC 9728) and the Bearer challenge that points clients at it.
package wellknown

import (
	"fmt"
	"net/url"
	"strings"
)

// ProtectedResourcePath is where the metadata document is served.
const ProtectedResourcePath = "/.well-known/oauth-protected-resource"

type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// NewProtectedResource describes the gateway at publicURL as protected by
// tokens from issuer. publicURL must be absolute.
func NewProtectedResource(publicURL, issuer, name string) (ProtectedResourceMetadata, *url.URL, error) {
	u, err := url.Parse(publicURL)
	if err != nil {
		return ProtectedResourceMetadata{}, nil, fmt.Errorf("invalid public url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return ProtectedResourceMetadata{}, nil, fmt.Errorf("public url must be absolute: %q", publicURL)
	}
	if issuer == "" {
		return ProtectedResourceMetadata{}, nil, fmt.Errorf("issuer is required")
	}
	doc := ProtectedResourceMetadata{
		Resource:               strings.TrimSuffix(u.String(), "/"),
		AuthorizationServers:   []string{issuer},
		BearerMethodsSupported: []string{"header"},
		ResourceName:           name,
	}
	metaURL := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: ProtectedResourcePath}
	return doc, metaURL, nil
}

// BearerChallenge builds a WWW-Authenticate value. Empty parts are omitted.
//
//	Bearer realm="...", resource_metadata="...", error="..."
func BearerChallenge(realm, resourceMetadata, errCode string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	var pieces []string
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc.Replace(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc.Replace(resourceMetadata)))
	}
	if errCode != "" {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc.Replace(errCode)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
