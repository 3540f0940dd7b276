package utils

import (
	"log"

	"github.com/gin-gonic/gin"
)

type errorLogWriter struct {
	gin.ResponseWriter
	gc *gin.Context
}

func (w errorLogWriter) Write(b []byte) (int, error) {
	if status := w.gc.Writer.Status(); status >= 400 {
		log.Printf("[DEBUG ERROR] %s %s: status %d, body: %s", w.gc.Request.Method, w.gc.FullPath(), status, b)
	}
	return w.ResponseWriter.Write(b)
}

// ErrorLogMiddleware logs the body of every error reply. It must run before gzip.
func ErrorLogMiddleware(c *gin.Context) {
	c.Writer = &errorLogWriter{gc: c, ResponseWriter: c.Writer}
	c.Next()
}
