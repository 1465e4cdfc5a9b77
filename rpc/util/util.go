package util

import (
	"github.com/gin-gonic/gin"

	"github.com/orcastor/afs/core"
)

func AbortResponse(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(200, gin.H{
		"code": code,
		"msg":  msg,
	})
}

// AbortError answers with the wire code of err, retry tells the caller the failure is transient.
func AbortError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(200, gin.H{
		"code":  core.ErrorCode(err),
		"msg":   err.Error(),
		"retry": core.IsRetriable(err),
	})
}

func Response(c *gin.Context, data gin.H) {
	c.AbortWithStatusJSON(200, gin.H{
		"code": 0,
		"data": data,
	})
}
