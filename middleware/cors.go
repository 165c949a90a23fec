package middleware

import (
	"strings"

	"github.com/nftfolio/backend/env"
	"github.com/nftfolio/backend/util"
)

func IsOriginAllowed(requestOrigin string) bool {
	if env.GetString("ENV") == "local" {
		return true
	}
	allowedOrigins := strings.Split(env.GetString("ALLOWED_ORIGINS"), ",")

	return util.ContainsString(allowedOrigins, requestOrigin)
}
