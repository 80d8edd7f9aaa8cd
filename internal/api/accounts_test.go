package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/bcmapp/bcm-server-sub002/internal/authtoken"
	"github.com/bcmapp/bcm-server-sub002/internal/model"
	"github.com/bcmapp/bcm-server-sub002/internal/pow"
	"github.com/bcmapp/bcm-server-sub002/internal/redispart"
)

type fakeAccountStore struct {
	byUID map[string]*model.Account
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{byUID: make(map[string]*model.Account)}
}

func (f *fakeAccountStore) GetAccount(ctx context.Context, uid string) (*model.Account, error) {
	acc, ok := f.byUID[uid]
	if !ok {
		return nil, nil
	}
	cp := *acc
	return &cp, nil
}

func (f *fakeAccountStore) CreateAccount(ctx context.Context, acc *model.Account) error {
	cp := *acc
	f.byUID[acc.UID] = &cp
	return nil
}

func (f *fakeAccountStore) ModifyAccount(ctx context.Context, mod model.ModifyAccount) error {
	acc, ok := f.byUID[mod.UID]
	if !ok {
		return nil
	}
	if mod.NewState != nil {
		acc.State = *mod.NewState
	}
	for _, dm := range mod.Devices {
		dev := acc.DeviceByID(dm.DeviceID)
		if dev == nil {
			continue
		}
		if dm.Push != nil {
			dev.Push = *dm.Push
		}
		if dm.Version != nil {
			dev.Version = *dm.Version
		}
		if dm.State != nil {
			dev.State = *dm.State
		}
		if dm.LastSeen != nil {
			dev.LastSeen = *dm.LastSeen
		}
		if dm.AuthSalt != nil || dm.AuthToken != nil {
			dev.AuthSalt, dev.AuthToken = dm.AuthSalt, dm.AuthToken
		}
	}
	return nil
}

func (f *fakeAccountStore) DeleteDevice(ctx context.Context, uid string, deviceID uint32) error {
	acc, ok := f.byUID[uid]
	if !ok {
		return nil
	}
	var kept []model.Device
	for _, d := range acc.Devices {
		if d.ID != deviceID {
			kept = append(kept, d)
		}
	}
	acc.Devices = kept
	return nil
}

func newTestChallengeStore(t *testing.T) *ChallengeStore {
	t.Helper()
	m := miniredis.RunT(t)
	router, err := redispart.New([]redispart.PartitionConfig{
		{Name: "p0", Replicas: []redispart.ReplicaConfig{{Addr: m.Addr()}}},
	}, 0, time.Hour, time.Minute, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { router.Close() })
	return NewChallengeStore(router, 5*time.Minute)
}

func newTestDeps(t *testing.T) (Deps, *fakeAccountStore) {
	t.Helper()
	accounts := newFakeAccountStore()
	issuer, err := authtoken.New(bytes.Repeat([]byte("k"), 32), 1, time.Hour)
	require.NoError(t, err)
	return Deps{
		Accounts:      accounts,
		Challenges:    newTestChallengeStore(t),
		Issuer:        issuer,
		PowDifficulty: 4,
	}, accounts
}

func signupRequest(t *testing.T, router http.Handler, pub ed25519.PublicKey, priv ed25519.PrivateKey) *httptest.ResponseRecorder {
	t.Helper()
	uid := uidFromPublicKey(pub)

	challengeRec := httptest.NewRecorder()
	challengeReq := httptest.NewRequest(http.MethodGet, "/v1/accounts/challenge/"+uid, nil)
	router.ServeHTTP(challengeRec, challengeReq)
	require.Equal(t, http.StatusOK, challengeRec.Code)

	var challengeResp struct {
		Difficulty uint32 `json:"difficulty"`
		Nonce      uint32 `json:"nonce"`
		Timestamp  int64  `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(challengeRec.Body.Bytes(), &challengeResp))

	ch := pow.Challenge{Difficulty: challengeResp.Difficulty, Nonce: challengeResp.Nonce, IssuedAt: time.UnixMilli(challengeResp.Timestamp)}
	var clientNonce uint32
	for clientNonce = 0; !ch.VerifyClientNonce(uid, clientNonce); clientNonce++ {
	}

	sig := ed25519.Sign(priv, []byte(uid))
	body, err := json.Marshal(signedAttributesRequest{
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Nonce:     clientNonce,
		Signature: base64.StdEncoding.EncodeToString(sig),
		AuthToken: base64.StdEncoding.EncodeToString([]byte("client-secret")),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/accounts/signup", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	return rec
}

func TestSignupIssuesReconnectToken(t *testing.T) {
	deps, _ := newTestDeps(t)
	router := NewRouter(deps)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	rec := signupRequest(t, router, pub, priv)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		UID      string `json:"uid"`
		DeviceID uint32 `json:"device_id"`
		Token    string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, uidFromPublicKey(pub), resp.UID)
	require.Equal(t, MasterDeviceID, resp.DeviceID)
	require.NotEmpty(t, resp.Token)
}

func TestSignupRejectsBadSignature(t *testing.T) {
	deps, _ := newTestDeps(t)
	router := NewRouter(deps)

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	rec := signupRequest(t, router, pub, otherPriv)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSigninRotatesDeviceCredential(t *testing.T) {
	deps, accounts := newTestDeps(t)
	router := NewRouter(deps)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, signupRequest(t, router, pub, priv).Code)

	uid := uidFromPublicKey(pub)
	oldSalt := append([]byte(nil), accounts.byUID[uid].Devices[0].AuthSalt...)

	sig := ed25519.Sign(priv, []byte(uid))
	body, err := json.Marshal(signedAttributesRequest{
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Signature: base64.StdEncoding.EncodeToString(sig),
		AuthToken: base64.StdEncoding.EncodeToString([]byte("new-secret")),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/accounts/signin", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.NotEqual(t, oldSalt, accounts.byUID[uid].Devices[0].AuthSalt)
}

func TestRequireAuthAcceptsBasicSaltedToken(t *testing.T) {
	deps, _ := newTestDeps(t)
	router := NewRouter(deps)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, signupRequest(t, router, pub, priv).Code)
	uid := uidFromPublicKey(pub)

	creds := base64.StdEncoding.EncodeToString([]byte(uid + ":client-secret"))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/accounts/keepalive", nil)
	req.Header.Set("Authorization", "Basic "+creds)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
}

func TestRequireAuthRejectsWrongToken(t *testing.T) {
	deps, _ := newTestDeps(t)
	router := NewRouter(deps)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, signupRequest(t, router, pub, priv).Code)
	uid := uidFromPublicKey(pub)

	creds := base64.StdEncoding.EncodeToString([]byte(uid + ":wrong-secret"))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/accounts/keepalive", nil)
	req.Header.Set("Authorization", "Basic "+creds)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
