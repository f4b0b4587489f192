// Package oidc provides the provider-facing OAuth/OIDC client utilities:
// metadata discovery, bearer token verification, and input validation.
//
// # Security Features
//
//   - SSRF protection for issuer URLs (blocks private IPs, localhost, link-local)
//   - HTTPS enforcement for all discovered endpoints
//   - Signing-algorithm allow-list for token verification
//   - Discovery document and key set caching with TTL
//   - Thread-safe operations
//
// # Example Usage
//
//	// Create the metadata resolver for the identity provider
//	resolver, err := oidc.NewResolver("https://idp.example.com", nil, 1*time.Hour, logger)
//	if err != nil {
//	    return err
//	}
//
//	// Create a verifier for inbound bearer tokens
//	verifier, err := oidc.NewVerifier(oidc.VerifierConfig{Resolver: resolver})
//	if err != nil {
//	    return err
//	}
//
//	claims, err := verifier.Verify(ctx, bearerToken)
//	if err != nil {
//	    return err
//	}
//	// Use claims.Subject, claims.Scopes, ...
package oidc
