package app

import "errors"

// ErrDefaultJWTSecret is returned when the server would sign tokens with the
// placeholder secret. Set RIDEHAIL_AUTH_JWT_SECRET.
var ErrDefaultJWTSecret = errors.New("auth.jwt_secret is still the default placeholder")
