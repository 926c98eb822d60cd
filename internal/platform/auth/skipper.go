package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists route patterns that bypass authentication: health checks
// and the credential verification endpoints used during registration.
var publicPaths = map[string]bool{
	"/health":                      true,
	"/health/db":                   true,
	"/api/v1/verifications/doctor": true,
	"/api/v1/verifications/doctor/:identifier":   true,
	"/api/v1/verifications/hospital":             true,
	"/api/v1/verifications/hospital/:identifier": true,
}

// AuthSkipper matches on the registered route pattern (c.Path()), so path
// parameters do not matter.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
