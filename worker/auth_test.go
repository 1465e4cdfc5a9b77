package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/orcastor/afs/core"
)

func TestAuthenticator(t *testing.T) {
	Convey("Authenticator", t, func() {
		ctx := context.Background()
		cfg := core.NewTestConfig(t.TempDir())
		pool := core.NewDBPool(cfg.DB)
		defer pool.Close()
		a, err := NewAuthenticator(cfg, pool)
		So(err, ShouldBeNil)
		defer a.Close()

		u, err := a.AddUser(ctx, "orca", "secret", "Orca", ADMIN)
		So(err, ShouldBeNil)
		So(u.ID, ShouldBeGreaterThan, 0)
		So(u.Pwd, ShouldNotEqual, "secret")

		Convey("login and logout", func() {
			token, info, err := a.Login(ctx, "orca", "secret")
			So(err, ShouldBeNil)
			So(info.Role, ShouldEqual, ADMIN)
			So(a.IsSessionValid(token), ShouldBeTrue)

			claims, err := a.ParseToken(token)
			So(err, ShouldBeNil)
			So(claims.User, ShouldEqual, "orca")

			So(a.Logout(token), ShouldBeTrue)
			So(a.IsSessionValid(token), ShouldBeFalse)
			So(a.Logout(token), ShouldBeFalse)
		})

		Convey("wrong credentials", func() {
			_, _, err := a.Login(ctx, "orca", "guess")
			So(errors.Is(err, core.ERR_INCORRECT_PWD), ShouldBeTrue)
			_, _, err = a.Login(ctx, "nobody", "secret")
			So(errors.Is(err, core.ERR_INCORRECT_PWD), ShouldBeTrue)
			_, err = a.AddUser(ctx, "orca", "other", "", USER)
			So(err, ShouldNotBeNil)
		})

		Convey("tokens not issued here are rejected", func() {
			So(a.IsSessionValid(""), ShouldBeFalse)
			So(a.IsSessionValid("not-a-token"), ShouldBeFalse)
			_, err := a.ParseToken("not-a-token")
			So(err, ShouldEqual, ErrTokenMalformed)

			// signed with our secret but never logged in
			token, _, err := a.GenerateToken("orca", u.ID, USER)
			So(err, ShouldBeNil)
			So(a.IsSessionValid(token), ShouldBeFalse)

			other := *cfg
			other.Auth.Secret = "another-secret"
			b, err := NewAuthenticator(&other, pool)
			So(err, ShouldBeNil)
			defer b.Close()
			forged, _, err := b.GenerateToken("orca", u.ID, ADMIN)
			So(err, ShouldBeNil)
			_, err = a.ParseToken(forged)
			So(err, ShouldEqual, ErrTokenInvalid)
		})

		Convey("idle sessions expire", func() {
			cfg.Auth.SessionTTL = core.Duration{Duration: 100 * time.Millisecond}
			short, err := NewAuthenticator(cfg, pool)
			So(err, ShouldBeNil)
			defer short.Close()
			token, _, err := short.Login(ctx, "orca", "secret")
			So(err, ShouldBeNil)
			So(short.IsSessionValid(token), ShouldBeTrue)
			// the cache clock ticks once a second
			time.Sleep(1500 * time.Millisecond)
			So(short.IsSessionValid(token), ShouldBeFalse)
		})
	})
}

func TestConnPool(t *testing.T) {
	Convey("Connection arena", t, func() {
		p := NewConnPool(2)
		h1, err := p.CheckOut("s1")
		So(err, ShouldBeNil)
		h2, err := p.CheckOut("s2")
		So(err, ShouldBeNil)
		So(h1, ShouldNotEqual, h2)
		_, err = p.CheckOut("s3")
		So(errors.Is(err, core.ERR_NO_WORKER), ShouldBeTrue)

		c, ok := p.Get(h2)
		So(ok, ShouldBeTrue)
		So(c.Session, ShouldEqual, "s2")
		So(p.InUse(), ShouldEqual, 2)

		p.CheckIn(h2)
		p.CheckIn(h2)
		p.CheckIn(-1)
		_, ok = p.Get(h2)
		So(ok, ShouldBeFalse)
		So(p.InUse(), ShouldEqual, 1)

		h3, err := p.CheckOut("s3")
		So(err, ShouldBeNil)
		So(h3, ShouldEqual, h2)
		c3, _ := p.Get(h3)
		So(c3.ID, ShouldNotEqual, c.ID)
	})
}
