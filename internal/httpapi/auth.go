// Copyright 2025 LLMOS Bridge Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator resolves the bearer identity recorded as an approval
// decision's approved_by field, the way the teacher's agent service
// resolves a User from an Authorization header — simplified to the one
// claim this service cares about.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds an Authenticator over an HMAC signing secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// IdentityFromRequest extracts and validates the bearer token on r,
// returning the token's "sub" (falling back to "email") claim.
func (a *Authenticator) IdentityFromRequest(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	if sub := claimString(claims, "sub"); sub != "" {
		return sub, true
	}
	if email := claimString(claims, "email"); email != "" {
		return email, true
	}
	return "", false
}

func claimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
