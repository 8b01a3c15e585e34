package ehr

import (
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

// stringsClaim reads a claim that is a string array or a single string.
func stringsClaim(claims jwt.MapClaims, name string) []string {
	switch v := claims[name].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// jwksClaim decodes an embedded JWK Set claim.
func jwksClaim(claims jwt.MapClaims, name string) (jose.JSONWebKeySet, error) {
	var set jose.JSONWebKeySet
	raw, ok := claims[name]
	if !ok || raw == nil {
		return set, fmt.Errorf("%s claim is missing", name)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return set, fmt.Errorf("encode %s claim: %w", name, err)
	}
	if err := json.Unmarshal(data, &set); err != nil {
		return set, fmt.Errorf("decode %s claim: %w", name, err)
	}
	return set, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
