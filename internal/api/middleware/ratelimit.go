package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// NewRateLimiter creates a Gin middleware that limits each client IP to
// requests per period. A non-positive requests disables limiting.
func NewRateLimiter(requests int64, period time.Duration) (gin.HandlerFunc, error) {
	if requests <= 0 {
		return func(c *gin.Context) { c.Next() }, nil
	}
	if period <= 0 {
		return nil, fmt.Errorf("invalid rate limit period %s", period)
	}

	rate := limiter.Rate{
		Period: period,
		Limit:  requests,
	}
	instance := limiter.New(memory.NewStore(), rate)

	return mgin.NewMiddleware(instance,
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		}),
	), nil
}
