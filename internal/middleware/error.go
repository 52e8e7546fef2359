package middleware

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
)

// ErrorHandler recovers from panics and, for AppErrors surfaced via
// c.Error during normal handling, maps them to their declared HTTP
// status instead of a bare 500.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[PANIC] %s: %v", c.Request.URL.Path, r)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
				c.Abort()
			}
		}()
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		appErr, ok := err.(*apperrors.AppError)
		if !ok {
			appErr = apperrors.Wrap(apperrors.Internal, "unhandled error", err)
		}
		apperrors.LogError(appErr, c.Request.URL.Path)
		c.JSON(appErr.HTTPStatus(), gin.H{"error": appErr.Message, "kind": appErr.Kind})
	}
}

func RequestLogger() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] %s %s %d %s %s\n",
			param.TimeStamp.Format("2006-01-02 15:04:05"),
			param.Method,
			param.Path,
			param.StatusCode,
			param.Latency,
			param.ErrorMessage,
		)
	})
}
