package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	val   string
	err   error
	calls int
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.val, f.err
}

func sign(t *testing.T, secret, userID string, expiresIn time.Duration) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(expiresIn).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestNewVerifier_ValidatesArguments(t *testing.T) {
	_, err := NewVerifier(nil, "/p/jwt_secret")
	require.Error(t, err)
	_, err = NewVerifier(&fakeGetter{}, " ")
	require.Error(t, err)
}

func TestResolve_ValidToken(t *testing.T) {
	g := &fakeGetter{val: "top-secret"}
	v, err := NewVerifier(g, "/p/jwt_secret")
	require.NoError(t, err)

	token := sign(t, "top-secret", "user-1", time.Hour)

	userID, err := v.Resolve(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)

	_, err = v.Resolve(context.Background(), "bearer "+token)
	require.NoError(t, err, "scheme is case-insensitive")
	require.Equal(t, 1, g.calls, "secret is loaded once")
}

func TestResolve_JSONWrappedSecret(t *testing.T) {
	v, err := NewVerifier(&fakeGetter{val: `{"token":"wrapped"}`}, "/p/jwt_secret")
	require.NoError(t, err)
	token := sign(t, "wrapped", "u", time.Hour)
	userID, err := v.Resolve(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	require.Equal(t, "u", userID)
}

func TestResolve_Rejections(t *testing.T) {
	v := NewStaticVerifier([]byte("secret"))
	ctx := context.Background()

	expired := sign(t, "secret", "u", -time.Minute)
	otherKey := sign(t, "other", "u", time.Hour)
	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}).SignedString([]byte("secret"))
	require.NoError(t, err)
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u"}).SignedString([]byte("secret"))
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong scheme", header: "Basic abc"},
		{name: "empty token", header: "Bearer   "},
		{name: "garbage", header: "Bearer not.a.jwt"},
		{name: "expired", header: "Bearer " + expired},
		{name: "wrong key", header: "Bearer " + otherKey},
		{name: "missing sub", header: "Bearer " + noSub},
		{name: "missing exp", header: "Bearer " + noExp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Resolve(ctx, tc.header)
			require.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestResolve_SecretLoadFailureIsRetried(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm down")}
	v, err := NewVerifier(g, "/p/jwt_secret")
	require.NoError(t, err)

	_, err = v.Resolve(context.Background(), "Bearer x")
	require.ErrorContains(t, err, "ssm down")
	require.NotErrorIs(t, err, ErrUnauthenticated)

	g.err = nil
	g.val = "secret"
	token := sign(t, "secret", "u", time.Hour)
	userID, err := v.Resolve(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	require.Equal(t, "u", userID)
}
