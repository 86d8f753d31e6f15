package oauth

// ErrorResponse is the JSON error body per RFC 6749 section 5.2.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// TokenResponse is the JSON success body of the token endpoint per RFC 6749
// section 5.1.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// IntrospectionResponse is the JSON body of the introspection endpoint per
// RFC 7662 section 2.2. Inactive tokens disclose nothing beyond active:false.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	TokenType string `json:"token_type,omitempty"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
}

// AuthorizationServerMetadata is the discovery document per RFC 8414.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
}

// ConsentPage is the JSON document returned for a pending authorization when
// no ConsentRenderer is configured. The embedder's UI shows it to the owner
// and posts the decision to the consent endpoint.
type ConsentPage struct {
	TransactionID  string   `json:"transaction_id"`
	ClientID       string   `json:"client_id"`
	ClientName     string   `json:"client_name,omitempty"`
	RequestedScope []string `json:"requested_scope"`
	ExpiresIn      int64    `json:"expires_in"`
}
