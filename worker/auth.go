package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gotomicro/ego/core/elog"
	b "github.com/orca-zhang/borm"
	"github.com/orca-zhang/ecache"
	"github.com/orca-zhang/idgen"
	"golang.org/x/crypto/bcrypt"

	"github.com/orcastor/afs/core"
)

const (
	USR_TBL = "usr"

	MOD_NAME = "afs"
)

const (
	USER = iota
	ADMIN
)

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("not a token")
	ErrTokenInvalid   = errors.New("token invalid")
)

type UserInfo struct {
	ID   int64  `borm:"id" json:"i,omitempty"`
	Role uint32 `borm:"role" json:"r,omitempty"`
	Usr  string `borm:"usr" json:"u,omitempty"`
	Pwd  string `borm:"pwd" json:"-"`
	Name string `borm:"name" json:"n,omitempty"`
}

type Claims struct {
	User string `json:"u"`
	Role uint32 `json:"r"`
	jwt.StandardClaims
}

// Authenticator logs users in against the usr table and tracks live sessions.
// A token stays valid while it is signed by us, not expired, and seen within the session TTL.
type Authenticator struct {
	pool   *core.DBPool
	path   string
	db     *sql.DB
	secret []byte
	ttl    time.Duration
	ig     *idgen.IDGen

	// token -> *Claims, an entry expires after ttl without use
	sessions *ecache.Cache
}

func NewAuthenticator(cfg *core.Config, pool *core.DBPool) (*Authenticator, error) {
	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("auth secret is required: %w", core.ERR_INVALID_ARGS)
	}
	path := filepath.Join(cfg.Storage.StatePath, "auth.db")
	db, err := pool.WriteDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS usr (id BIGINT PRIMARY KEY NOT NULL,
		role INT NOT NULL,
		usr TEXT NOT NULL UNIQUE,
		pwd TEXT NOT NULL,
		name TEXT NOT NULL
	)`); err != nil {
		pool.Release(path)
		return nil, fmt.Errorf("%v: %w", err, core.ERR_EXEC_DB)
	}
	ttl := cfg.Auth.SessionTTL.Duration
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{
		pool:     pool,
		path:     path,
		db:       db,
		secret:   []byte(cfg.Auth.Secret),
		ttl:      ttl,
		ig:       idgen.NewIDGen(nil, 0),
		sessions: ecache.NewLRUCache(16, 512, ttl),
	}, nil
}

func (a *Authenticator) Close() {
	a.pool.Release(a.path)
}

// AddUser stores a user with a bcrypt hash of password.
func (a *Authenticator) AddUser(ctx context.Context, usr, password, name string, role uint32) (*UserInfo, error) {
	if usr == "" || password == "" {
		return nil, core.ERR_INVALID_ARGS
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, core.ERR_INVALID_ARGS)
	}
	id, err := a.ig.New()
	if err != nil {
		return nil, err
	}
	u := &UserInfo{ID: id, Role: role, Usr: usr, Pwd: string(hash), Name: name}
	if _, err = b.Table(a.db, USR_TBL, ctx).Insert(u); err != nil {
		return nil, fmt.Errorf("%v: %w", err, core.ERR_EXEC_DB)
	}
	return u, nil
}

func (a *Authenticator) user(ctx context.Context, usr string) (*UserInfo, error) {
	var u UserInfo
	n, err := b.Table(a.db, USR_TBL, ctx).Select(&u, b.Where(b.Eq("usr", usr)))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, core.ERR_QUERY_DB)
	}
	if n <= 0 {
		return nil, core.ERR_INCORRECT_PWD
	}
	return &u, nil
}

// Login checks the password and opens a session, the returned token identifies it.
func (a *Authenticator) Login(ctx context.Context, usr, password string) (string, *UserInfo, error) {
	u, err := a.user(ctx, usr)
	if err != nil {
		return "", nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.Pwd), []byte(password)) != nil {
		return "", nil, core.ERR_INCORRECT_PWD
	}
	token, claims, err := a.GenerateToken(u.Usr, u.ID, u.Role)
	if err != nil {
		return "", nil, fmt.Errorf("%v: %w", err, core.ERR_AUTH_FAILED)
	}
	a.sessions.Put(token, claims)
	elog.Info("login", elog.String("usr", u.Usr), elog.Int64("uid", u.ID))
	return token, u, nil
}

func (a *Authenticator) GenerateToken(user string, uid int64, role uint32) (string, *Claims, error) {
	claims := &Claims{
		user,
		role,
		jwt.StandardClaims{
			Audience:  strconv.FormatInt(uid, 10),
			ExpiresAt: time.Now().Add(24 * time.Hour).Unix(),
			Issuer:    MOD_NAME,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	return token, claims, err
}

func (a *Authenticator) ParseToken(token string) (*Claims, error) {
	tokenClaims, err := jwt.ParseWithClaims(token, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		if ve, ok := err.(*jwt.ValidationError); ok {
			if ve.Errors&jwt.ValidationErrorMalformed != 0 {
				return nil, ErrTokenMalformed
			} else if ve.Errors&jwt.ValidationErrorExpired != 0 {
				return nil, ErrTokenExpired
			}
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	return tokenClaims.Claims.(*Claims), nil
}

// Session returns the claims of a live session and refreshes its idle timer.
func (a *Authenticator) Session(token string) (*Claims, bool) {
	if token == "" {
		return nil, false
	}
	v, ok := a.sessions.Get(token)
	if !ok {
		return nil, false
	}
	claims, err := a.ParseToken(token)
	if err != nil {
		a.sessions.Del(token)
		return nil, false
	}
	a.sessions.Put(token, v)
	return claims, true
}

func (a *Authenticator) IsSessionValid(token string) bool {
	_, ok := a.Session(token)
	return ok
}

// Logout ends the session, it reports whether the session was live.
func (a *Authenticator) Logout(token string) bool {
	if _, ok := a.sessions.Get(token); !ok {
		return false
	}
	a.sessions.Del(token)
	return true
}
