package utils

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	CacheNoCache = 0
	CacheCustom  = -1
)

// CacheRouter sets cache-control per path prefix. The longest matching
// prefix in Paths wins, everything else gets Default.
type CacheRouter struct {
	Default int // defaults to CacheNoCache = 0
	Paths   map[string]int
}

func (cr *CacheRouter) cacheTime(path string) int {
	best, result := -1, cr.Default
	for prefix, seconds := range cr.Paths {
		if strings.HasPrefix(path, prefix) && len(prefix) > best {
			best, result = len(prefix), seconds
		}
	}
	return result
}

func (cr *CacheRouter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch seconds := cr.cacheTime(c.Request.URL.Path); seconds {
		case CacheCustom:
		case CacheNoCache:
			c.Header("cache-control", "no-cache")
		default:
			c.Header("cache-control", "private, max-age="+strconv.Itoa(seconds))
		}
		c.Next()
	}
}
