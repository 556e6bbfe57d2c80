// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// This package contains middleware for authentication and request identity.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization header,
// checks it against the configured API key, and stores the resulting
// AuthInfo in the Gin context for downstream handlers.
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► auth.Validate(token)
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo / CallerID)
//
// # Local Behavior
//
// When no API key is configured (MERIDIAN_API_KEY unset), all requests are
// authenticated as "local-user" with admin privileges. This enables local
// deployments to function without any authentication infrastructure.
//
// # Key Handling
//
// The configured key is sealed in a memguard Enclave at startup so the
// plaintext never sits in ordinary heap memory between requests. Comparison
// is constant-time.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
)

// =============================================================================
// Errors
// =============================================================================

// ErrUnauthorized indicates the presented token did not match the
// configured API key.
var ErrUnauthorized = errors.New("unauthorized")

// =============================================================================
// Context Keys
// =============================================================================

// authInfoKey is the context key for storing AuthInfo.
// Using a dedicated key prevents collisions with other context values.
const authInfoKey = "meridian_auth_info"

// =============================================================================
// Auth Info
// =============================================================================

// AuthInfo describes the authenticated caller of a request.
//
// # Fields
//
//   - Subject: Stable identifier for the caller. "local-user" when auth is
//     disabled, otherwise derived from the presented key.
//   - Roles: Role names granted to the caller.
type AuthInfo struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the caller holds the named role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated caller info in the Gin context.
//
// Called by AuthMiddleware after successful authentication. The stored
// AuthInfo can be retrieved by handlers via GetAuthInfo.
func SetAuthInfo(c *gin.Context, info *AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated caller info from the Gin context.
//
// Returns nil if no AuthInfo is present (request not authenticated) or the
// stored value has the wrong type.
func GetAuthInfo(c *gin.Context) *AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// CallerID returns the identity the security chain should rate-limit on.
//
// # Description
//
// Prefers the authenticated subject when one exists and auth is enabled;
// otherwise falls back to the client IP so unauthenticated local
// deployments still get per-origin limiting.
//
// # Inputs
//
//   - c: Gin context. Must not be nil.
//
// # Outputs
//
//   - string: Caller identity, never empty for a live request.
func CallerID(c *gin.Context) string {
	if info := GetAuthInfo(c); info != nil && info.Subject != "" && info.Subject != "local-user" {
		return info.Subject
	}
	return c.ClientIP()
}

// =============================================================================
// Key Authenticator
// =============================================================================

// KeyAuth validates bearer tokens against a single configured API key.
//
// # Description
//
// The key is sealed in a memguard Enclave so plaintext only exists in a
// locked buffer during comparison. When constructed with an empty key,
// authentication is disabled and every request is treated as local.
//
// # Fields
//
//   - enclave: Sealed API key. Nil when auth is disabled.
//
// # Thread Safety
//
// Safe for concurrent use. Enclave.Open returns a fresh buffer per call.
type KeyAuth struct {
	enclave *memguard.Enclave
}

// NewKeyAuth creates an authenticator for the given API key.
//
// An empty key disables authentication: Validate then returns the
// local-user identity for every token, including the empty one.
func NewKeyAuth(apiKey string) *KeyAuth {
	if apiKey == "" {
		return &KeyAuth{}
	}
	// NewEnclave wipes the source slice; the string itself is left to the GC.
	return &KeyAuth{enclave: memguard.NewEnclave([]byte(apiKey))}
}

// Enabled reports whether an API key is configured.
func (a *KeyAuth) Enabled() bool {
	return a.enclave != nil
}

// Validate checks the presented token against the configured key.
//
// # Inputs
//
//   - token: Bearer token from the request. May be empty.
//
// # Outputs
//
//   - *AuthInfo: Caller identity on success.
//   - error: ErrUnauthorized on mismatch, other errors on enclave failure.
//
// # Limitations
//
//   - Single shared key only. Subjects are derived from the key hash, so
//     all holders of the same key share one subject.
func (a *KeyAuth) Validate(token string) (*AuthInfo, error) {
	if a.enclave == nil {
		return &AuthInfo{Subject: "local-user", Roles: []string{"admin"}}, nil
	}

	buf, err := a.enclave.Open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	if subtle.ConstantTimeCompare(buf.Bytes(), []byte(token)) != 1 {
		return nil, ErrUnauthorized
	}

	// Derive a stable subject without keeping the key around.
	sum := sha256.Sum256([]byte(token))
	return &AuthInfo{
		Subject: "key-" + hex.EncodeToString(sum[:8]),
		Roles:   []string{"caller"},
	}, nil
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// Extracts the bearer token from the Authorization header, validates it
// against the configured KeyAuth, and stores the resulting AuthInfo in the
// context for downstream handlers.
//
// # Token Extraction
//
// The middleware expects tokens in the Authorization header:
//
//	Authorization: Bearer <token>
//
// If the header is missing or malformed, the token passed to Validate is
// the empty string. With auth disabled that still yields local-user.
//
// # Inputs
//
//   - auth: KeyAuth to validate tokens. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin.
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.AuthMiddleware(middleware.NewKeyAuth(apiKey)))
//
// # Limitations
//
//   - Only supports Bearer token authentication.
//   - Does not support multiple authentication schemes.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(auth *KeyAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := auth.Validate(token)
		if err != nil {
			// Mismatch and enclave failures get the same generic body.
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken extracts the token from the Authorization header.
//
// # Description
//
// Parses the Authorization header expecting format: "Bearer <token>"
// Returns empty string if header is missing or malformed.
// The "Bearer" prefix is case-insensitive per RFC 7235.
//
// # Inputs
//
//   - c: Gin context. Must not be nil.
//
// # Outputs
//
//   - string: The extracted token, or empty string if not found.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
