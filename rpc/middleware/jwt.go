package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gotomicro/ego/core/elog"

	"github.com/orcastor/afs/rpc/util"
	"github.com/orcastor/afs/worker"
)

var noAuthPath = map[string]bool{
	"":                 true,
	"/":                true,
	"/api/login":       true,
	"/api/participant": true,
}

const TokenExpiredCode int32 = 599

// JWT lets a request through only with the token of a live session.
func JWT(auth *worker.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if noAuthPath[c.FullPath()] {
			c.Next()
			return
		}

		token := GetToken(c)
		claims, ok := auth.Session(token)
		if !ok {
			if _, err := auth.ParseToken(token); err == worker.ErrTokenExpired {
				util.AbortResponse(c, int(TokenExpiredCode), "token expired")
			} else {
				util.AbortResponse(c, int(TokenExpiredCode), "token error")
			}
			return
		}
		elog.Debug("login_info", elog.String("usr", claims.User))
		uid, _ := strconv.ParseInt(claims.StandardClaims.Audience, 10, 64)
		c.Set("uid", uid)
		c.Set("session", token)
		c.Next()
	}
}

func GetToken(c *gin.Context) (token string) {
	token = c.GetHeader("Authorization")
	if token != "" {
		return
	}
	// get
	token = c.Query("token")
	if token != "" {
		return
	}
	// postform
	token = c.PostForm("token")
	return
}

func GetUID(c *gin.Context) int64 {
	if uid, ok := c.Get("uid"); ok {
		return uid.(int64)
	}
	return 0
}

// GetSession is the session token of an authenticated request.
func GetSession(c *gin.Context) string {
	return c.GetString("session")
}
