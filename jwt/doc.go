// Package jwt wraps golang-jwt/v5 behind a small manager that mints and
// validates the access tokens issued alongside refresh-session rotation.
package jwt
