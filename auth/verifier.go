// Copyright 2022 The livetrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/models"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential the credential could not be verified
var ErrInvalidCredential = errors.New("invalid credential")

// TokenVerifier validates a bearer credential and yields the actor it identifies
type TokenVerifier interface {
	// Verify validate the credential
	Verify(ctxt context.Context, token string) (models.Actor, error)
}

// VerifierFunc adapt a plain function into a TokenVerifier
type VerifierFunc func(ctxt context.Context, token string) (models.Actor, error)

// Verify validate the credential
func (f VerifierFunc) Verify(ctxt context.Context, token string) (models.Actor, error) {
	return f(ctxt, token)
}

// ActorClaims JWT claims carried by a tracking credential
type ActorClaims struct {
	jwt.RegisteredClaims
	// UserID is the actor ID. Numeric IDs are accepted as well.
	UserID interface{} `json:"user_id"`
	// Role is the actor role
	Role string `json:"role"`
}

// jwtVerifierImpl implements TokenVerifier with HMAC signed JWTs
type jwtVerifierImpl struct {
	common.Component
	secret []byte
	parser *jwt.Parser
}

// GetJWTVerifier define a TokenVerifier for HMAC signed JWTs
func GetJWTVerifier(secret string, issuer string) (TokenVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("JWT secret is required")
	}
	logTags := log.Fields{
		"module": "auth", "component": "jwt-verifier",
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if len(issuer) > 0 {
		options = append(options, jwt.WithIssuer(issuer))
	}
	return &jwtVerifierImpl{
		Component: common.Component{LogTags: logTags},
		secret:    []byte(secret),
		parser:    jwt.NewParser(options...),
	}, nil
}

// Verify validate the credential
func (v *jwtVerifierImpl) Verify(ctxt context.Context, token string) (models.Actor, error) {
	if len(token) == 0 {
		return models.Actor{}, fmt.Errorf("%w: no token", ErrInvalidCredential)
	}
	var claims ActorClaims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		log.WithError(err).WithFields(v.LogTags).Debug("Token rejected")
		return models.Actor{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	actorID, err := claimToID(claims.UserID)
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	role, err := models.ParseRole(claims.Role)
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return models.Actor{ID: actorID, Role: role}, nil
}

// claimToID normalize the user_id claim into a string ID
func claimToID(claim interface{}) (string, error) {
	switch id := claim.(type) {
	case string:
		if len(id) > 0 {
			return id, nil
		}
	case float64:
		return strconv.FormatInt(int64(id), 10), nil
	}
	return "", fmt.Errorf("user_id claim missing or malformed")
}
