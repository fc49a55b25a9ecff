/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/blnkfinance/tally/config"
	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
)

const KeyHeader = "X-Tally-Key"

// openRoutes skip key checks so load balancers can probe the server.
var openRoutes = map[string]bool{"/": true}

func reject(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

func newLimiter(rl config.RateLimitConfig) *limiter.Limiter {
	ttl := time.Hour
	if rl.CleanupIntervalSec != nil {
		ttl = time.Duration(*rl.CleanupIntervalSec) * time.Second
	}
	lmt := tollbooth.NewLimiter(*rl.RequestsPerSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: ttl})
	lmt.SetBurst(*rl.Burst)
	return lmt
}

// RateLimitMiddleware throttles each client address with a token bucket. It is a no-op
// unless both the rate and the burst are configured.
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	if conf.RateLimit.RequestsPerSecond == nil || conf.RateLimit.Burst == nil {
		return func(c *gin.Context) { c.Next() }
	}

	lmt := newLimiter(conf.RateLimit)
	return func(c *gin.Context) {
		if httpErr := tollbooth.LimitByRequest(lmt, c.Writer, c.Request); httpErr != nil {
			reject(c, httpErr.StatusCode, httpErr.Message)
			return
		}
		c.Next()
	}
}

// SecretKeyAuthMiddleware requires the configured server secret in the X-Tally-Key
// header on every route except the health check.
func SecretKeyAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if openRoutes[c.Request.URL.Path] {
			c.Next()
			return
		}

		conf, err := config.Fetch()
		if err != nil || conf.Server.SecretKey == "" {
			reject(c, http.StatusInternalServerError, "Secret key is not configured")
			return
		}

		provided := c.GetHeader(KeyHeader)
		switch {
		case provided == "":
			reject(c, http.StatusUnauthorized, "Missing secret key")
		case !secureCompare(conf.Server.SecretKey, provided):
			reject(c, http.StatusUnauthorized, "Invalid secret key")
		default:
			c.Next()
		}
	}
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
