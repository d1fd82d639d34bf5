package carnet

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/cargazer/internal/api/httpc"
)

func loginPage(csrf, relayState, hmac string) string {
	return `<html><body>
<form method="post" action="/signin-service/v1/client-1/login/identifier">
<input type="hidden" name="_csrf" value="` + csrf + `"/>
<input type="hidden" name="relayState" value="` + relayState + `"/>
<input type="hidden" name="hmac" value="` + hmac + `"/>
</form>
</body></html>`
}

func loginTestConfig(tokenSetID string) Config {
	return Config{
		User:         "holger@example.com",
		Password:     "secret",
		ClientID:     "client-1",
		Scope:        "openid profile",
		ResponseType: "token id_token",
		RedirectURI:  "myapp://callback",
		AuthorizeURL: "https://identity.example.com/oidc/v1/authorize",
		IssuerURL:    "https://identity.example.com",
		TokenURL:     "https://tokens.example.com/exchange",
		SecurityURL:  "https://mal.example.com/api",
		XAppName:     "eRemote",
		XAppVersion:  "5.1.2",
		VIN:          "WVWZZZ1KZAW000001",
		TokenSetID:   tokenSetID,
	}
}

// loginWalkHandler 模拟完整登录链路：authorize 跳转、登录页、
// 邮箱/密码提交、consent 跳转、片段携带 token、token 交换
func loginWalkHandler(method, target string, headers map[string]string, body string) (httpc.Response, error) {
	switch {
	case strings.Contains(target, "/oidc/v1/authorize"):
		return redirectResponse("https://identity.example.com/signin"), nil
	case strings.HasSuffix(target, "/signin"):
		return okResponse(loginPage("csrf-1", "rs-1", "hmac-1")), nil
	case strings.Contains(target, "/login/identifier"):
		return redirectResponse("https://identity.example.com/password"), nil
	case strings.HasSuffix(target, "/password"):
		return okResponse(loginPage("csrf-2", "rs-2", "hmac-2")), nil
	case strings.Contains(target, "/login/authenticate"):
		return redirectResponse("https://identity.example.com/consent"), nil
	case strings.HasSuffix(target, "/consent"):
		return redirectResponse("myapp://callback#id_token=IDTOK&access_token=ACCTOK&expires_in=3600&state=st-1"), nil
	case strings.HasSuffix(target, "/exchange"):
		return okResponse(`{"access_token":"VWTOK","refresh_token":"RT-1","token_type":"bearer","expires_in":3600}`), nil
	}
	return httpc.Response{Status: 404}, nil
}

func TestCreateAccessTokenFullLoginWalk(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{handler: loginWalkHandler}
	store := NewTokenStore(zap.NewNop())
	mgr := NewTokenManager(zap.NewNop(), ft, store)
	cfg := loginTestConfig(store.GenerateTokenSetID())

	access, err := mgr.CreateAccessToken(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "VWTOK", access)

	set, err := store.Get(cfg.TokenSetID)
	require.NoError(t, err)
	assert.Equal(t, "RT-1", set.AccessToken.RefreshToken)
	assert.Equal(t, "IDTOK", set.IDToken.IDToken)
	assert.True(t, set.IDToken.IsValid())

	// 第二次调用命中缓存，不再发任何请求
	calls := ft.CallCount()
	access, err = mgr.CreateAccessToken(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "VWTOK", access)
	assert.Equal(t, calls, ft.CallCount())
}

func TestCreateAccessTokenUnknownTokenSet(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{handler: loginWalkHandler}
	mgr := NewTokenManager(zap.NewNop(), ft, NewTokenStore(zap.NewNop()))

	_, err := mgr.CreateAccessToken(context.Background(), loginTestConfig("no-such-set"))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Zero(t, ft.CallCount())
}

func TestCreateAccessTokenSilentRefresh(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{handler: func(method, target string, headers map[string]string, body string) (httpc.Response, error) {
		if method == "POST" && strings.HasSuffix(target, "/exchange") {
			assert.Contains(t, body, "grant_type=refresh_token")
			assert.Contains(t, body, "refresh_token=RT-OLD")
			return okResponse(`{"access_token":"NEW","token_type":"bearer","expires_in":3600}`), nil
		}
		t.Errorf("unexpected call %s %s", method, target)
		return httpc.Response{Status: 404}, nil
	}}
	store := NewTokenStore(zap.NewNop())
	mgr := NewTokenManager(zap.NewNop(), ft, store)
	cfg := loginTestConfig(store.GenerateTokenSetID())

	expired := Token{
		AccessToken:  "OLD",
		RefreshToken: "RT-OLD",
		AuthType:     AuthBearer,
		ValiditySec:  60,
		IssuedAt:     time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.Replace(cfg.TokenSetID, &TokenSet{AccessToken: expired}))

	access, err := mgr.CreateAccessToken(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "NEW", access)
	assert.Equal(t, 1, ft.CallCount())
}

func TestRefreshTokensSkipsUnexpiredToken(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{handler: func(method, target string, headers map[string]string, body string) (httpc.Response, error) {
		t.Errorf("unexpected call %s %s", method, target)
		return httpc.Response{Status: 404}, nil
	}}
	store := NewTokenStore(zap.NewNop())
	mgr := NewTokenManager(zap.NewNop(), ft, store)
	cfg := loginTestConfig(store.GenerateTokenSetID())

	fresh := Token{AccessToken: "CUR", RefreshToken: "RT", AuthType: AuthBearer}
	fresh.SetValidity(3600)
	require.NoError(t, store.Replace(cfg.TokenSetID, &TokenSet{AccessToken: fresh}))

	assert.True(t, mgr.RefreshTokens(context.Background(), cfg))
	assert.Zero(t, ft.CallCount())
}

func TestRefreshTokensDropsExpiredSecurityTokens(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{handler: func(method, target string, headers map[string]string, body string) (httpc.Response, error) {
		return httpc.Response{Status: 404}, nil
	}}
	store := NewTokenStore(zap.NewNop())
	mgr := NewTokenManager(zap.NewNop(), ft, store)
	cfg := loginTestConfig(store.GenerateTokenSetID())

	cache := mgr.securityCache(cfg.TokenSetID)
	expired := Token{SecurityToken: "S1", AuthType: AuthSecurity, Service: ServiceLockUnlock,
		ValiditySec: 60, IssuedAt: time.Now().Add(-time.Hour)}
	live := Token{SecurityToken: "S2", AuthType: AuthSecurity, Service: ServiceClimatisation}
	live.SetValidity(3600)
	cache.Add(expired)
	cache.Add(live)

	mgr.RefreshTokens(context.Background(), cfg)

	assert.Equal(t, 1, cache.Size())
	_, ok := cache.Get(ServiceClimatisation)
	assert.True(t, ok)
}

func TestCreateSecurityTokenRequiresPin(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{handler: loginWalkHandler}
	store := NewTokenStore(zap.NewNop())
	mgr := NewTokenManager(zap.NewNop(), ft, store)
	cfg := loginTestConfig(store.GenerateTokenSetID())
	cfg.SPin = ""

	_, err := mgr.CreateSecurityToken(context.Background(), cfg, ServiceLockUnlock, ActionLock)
	assert.ErrorIs(t, err, ErrSecurity)
	assert.Zero(t, ft.CallCount())
}

func TestCreateSecurityTokenChallengeFlow(t *testing.T) {
	t.Parallel()

	const wantHash = "D8F324EAA9CF68A98EB20E529C30F315857ABB5F0ED9A17382641600B81FD8CD87DB05921975B887C98890C99E1719904D7C35DD0FCEEC5534AC458014780CA6"

	ft := &fakeTransport{handler: func(method, target string, headers map[string]string, body string) (httpc.Response, error) {
		switch {
		case strings.Contains(target, "security-pin-auth-requested"):
			assert.Contains(t, target, "/vehicles/WVWZZZ1KZAW000001/services/rlu_v1/operations/LOCK/")
			assert.Equal(t, "Bearer ACC", headers["Authorization"])
			return okResponse(`{"securityPinAuthInfo":{"securityToken":"seed-1","securityPinTransmission":{"challenge":"ABCD","remainingTries":3}}}`), nil
		case strings.Contains(target, "security-pin-auth-completed"):
			assert.Contains(t, body, wantHash)
			assert.Contains(t, body, "seed-1")
			return okResponse(`{"token":"SECTOK","expires_in":300}`), nil
		}
		t.Errorf("unexpected call %s %s", method, target)
		return httpc.Response{Status: 404}, nil
	}}
	store := NewTokenStore(zap.NewNop())
	mgr := NewTokenManager(zap.NewNop(), ft, store)
	cfg := loginTestConfig(store.GenerateTokenSetID())
	cfg.SPin = "1234"

	access := Token{AccessToken: "ACC", AuthType: AuthBearer}
	access.SetValidity(3600)
	require.NoError(t, store.Replace(cfg.TokenSetID, &TokenSet{AccessToken: access}))

	tok, err := mgr.CreateSecurityToken(context.Background(), cfg, ServiceLockUnlock, ActionLock)
	require.NoError(t, err)
	assert.Equal(t, "SECTOK", tok)

	// 同一服务的第二次请求直接命中缓存
	calls := ft.CallCount()
	tok, err = mgr.CreateSecurityToken(context.Background(), cfg, ServiceLockUnlock, ActionUnlock)
	require.NoError(t, err)
	assert.Equal(t, "SECTOK", tok)
	assert.Equal(t, calls, ft.CallCount())
}

func TestSecurityPinHash(t *testing.T) {
	t.Parallel()

	hash, err := securityPinHash("1234", "ABCD")
	require.NoError(t, err)
	assert.Equal(t,
		"D8F324EAA9CF68A98EB20E529C30F315857ABB5F0ED9A17382641600B81FD8CD87DB05921975B887C98890C99E1719904D7C35DD0FCEEC5534AC458014780CA6",
		hash)

	_, err = securityPinHash("12GZ", "ABCD")
	assert.ErrorIs(t, err, ErrSecurity)
}

func TestCheckLoginError(t *testing.T) {
	t.Parallel()

	cases := []string{
		"myapp://callback?error=consent_required&error_description=missing+consent",
		"https://identity.example.com/signin?error=login.error.password_invalid",
		"https://identity.example.com/signin?error=login.error.throttled",
		"https://identity.example.com/terms?updated=dataprivacy",
	}
	for _, location := range cases {
		assert.ErrorIs(t, checkLoginError(location), ErrSecurity, location)
	}
	assert.NoError(t, checkLoginError("https://identity.example.com/consent"))
}

func TestUserIdentityFromIDToken(t *testing.T) {
	t.Parallel()

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	claims := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"user-42","aud":"client-1"}`))
	idToken := header + "." + claims + "."

	ft := &fakeTransport{handler: func(method, target string, headers map[string]string, body string) (httpc.Response, error) {
		t.Errorf("unexpected call %s %s", method, target)
		return httpc.Response{Status: 404}, nil
	}}
	store := NewTokenStore(zap.NewNop())
	mgr := NewTokenManager(zap.NewNop(), ft, store)
	cfg := loginTestConfig(store.GenerateTokenSetID())

	tok := Token{IDToken: idToken, AuthType: AuthBearer}
	tok.SetValidity(3600)
	require.NoError(t, store.Replace(cfg.TokenSetID, &TokenSet{IDToken: tok}))

	sub, err := mgr.UserIdentity(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "user-42", sub)
	assert.Zero(t, ft.CallCount())
}

func TestLoginWalkRedirectBudget(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{handler: func(method, target string, headers map[string]string, body string) (httpc.Response, error) {
		switch {
		case strings.Contains(target, "/oidc/v1/authorize"):
			return redirectResponse("https://identity.example.com/signin"), nil
		case strings.HasSuffix(target, "/signin"):
			return okResponse(loginPage("csrf-1", "rs-1", "hmac-1")), nil
		case strings.Contains(target, "/login/identifier"):
			return redirectResponse("https://identity.example.com/password"), nil
		case strings.HasSuffix(target, "/password"):
			return okResponse(loginPage("csrf-2", "rs-2", "hmac-2")), nil
		case strings.Contains(target, "/login/authenticate"):
			return redirectResponse("https://identity.example.com/hop"), nil
		case strings.Contains(target, "/hop"):
			// 身份源一直给下一跳，始终不带 token
			return redirectResponse(target + "p"), nil
		}
		return httpc.Response{Status: 404}, nil
	}}
	store := NewTokenStore(zap.NewNop())
	mgr := NewTokenManager(zap.NewNop(), ft, store)
	cfg := loginTestConfig(store.GenerateTokenSetID())

	_, err := mgr.CreateAccessToken(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrProtocol)
	// 预备 5 步之后最多再跟 10 跳
	assert.Equal(t, 15, ft.CallCount())
}
