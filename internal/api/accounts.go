package api

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bcmapp/bcm-server-sub002/internal/address"
	"github.com/bcmapp/bcm-server-sub002/internal/apierror"
	"github.com/bcmapp/bcm-server-sub002/internal/model"
	"github.com/bcmapp/bcm-server-sub002/internal/pow"
)

// accountsController implements spec.md §6's accounts endpoints, grounded
// on original_source's AccountsController::challenge/signup/signin/destroy
// control flow (PoW issuance, pubkey/uid/signature checks, then a DAO
// write), reworked onto gin handlers over the store.AccountStore DAO.
type accountsController struct {
	deps Deps
}

func (a *accountsController) registerRoutes(r *gin.Engine) {
	r.GET("/v1/accounts/challenge/:uid", a.challenge)
	r.PUT("/v1/accounts/signup", a.signup)
	r.PUT("/v1/accounts/signin", a.signin)
	r.DELETE("/v1/accounts/:uid/:signature", a.destroy)
	r.PUT("/v1/accounts/attributes", requireAuth(a.deps.Accounts, a.deps.Issuer, true), a.setAttributes)
	r.PUT("/v1/accounts/apn", requireAuth(a.deps.Accounts, a.deps.Issuer, true), a.registerApn)
	r.DELETE("/v1/accounts/apn", requireAuth(a.deps.Accounts, a.deps.Issuer, true), a.unregisterApn)
	r.PUT("/v1/accounts/gcm", requireAuth(a.deps.Accounts, a.deps.Issuer, true), a.registerGcm)
	r.DELETE("/v1/accounts/gcm", requireAuth(a.deps.Accounts, a.deps.Issuer, true), a.unregisterGcm)
	// Device keepalive (SPEC_FULL.md §12): any already-provisioned device
	// may touch its own last-seen timestamp without a full attribute PUT.
	r.PUT("/v1/accounts/keepalive", requireAuth(a.deps.Accounts, a.deps.Issuer, false), a.keepalive)
}

func (a *accountsController) challenge(c *gin.Context) {
	uid := c.Param("uid")
	if uid == "" {
		writeError(c, apierror.NewValidation("uid required", nil))
		return
	}
	ch, err := pow.Mint(a.deps.PowDifficulty)
	if err != nil {
		writeError(c, apierror.TransientInfraf("mint challenge", err))
		return
	}
	if err := a.deps.Challenges.Put(c, uid, ch); err != nil {
		writeError(c, apierror.TransientInfraf("store challenge", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"difficulty": ch.Difficulty,
		"nonce":      ch.Nonce,
		"timestamp":  ch.IssuedAt.UnixMilli(),
	})
}

type signedAttributesRequest struct {
	PublicKey  string `json:"public_key" binding:"required"`
	Nonce      uint32 `json:"nonce"`
	Signature  string `json:"signature" binding:"required"`
	AuthToken  string `json:"auth_token" binding:"required"`
	OSType     string `json:"os_type"`
	BuildCode  int    `json:"build_code"`
	PhoneModel string `json:"phone_model"`
}

func (a *accountsController) signup(c *gin.Context) {
	var req signedAttributesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierror.NewValidation("malformed signup body", err))
		return
	}

	pubKey, err := decodePublicKey(req.PublicKey)
	if err != nil {
		writeError(c, apierror.NewValidation(err.Error(), nil))
		return
	}
	uid := uidFromPublicKey(pubKey)

	sig, err := decodeSignature(req.Signature)
	if err != nil {
		writeError(c, apierror.NewValidation(err.Error(), nil))
		return
	}
	if !verifyOwnership(pubKey, uid, sig) {
		writeError(c, apierror.Unauthenticated("signature does not match public key"))
		return
	}

	challenge, ok, err := a.deps.Challenges.Get(c, uid)
	if err != nil {
		writeError(c, apierror.TransientInfraf("load challenge", err))
		return
	}
	if !ok {
		writeError(c, apierror.NotFoundf("no outstanding challenge for uid", nil))
		return
	}
	if challenge.Expired(a.deps.Challenges.ttl, time.Now()) {
		writeError(c, apierror.ErrChallengeExpired)
		return
	}
	if !challenge.VerifyClientNonce(uid, req.Nonce) {
		writeError(c, apierror.Unauthenticated("pow solution does not verify"))
		return
	}
	a.deps.Challenges.Delete(c, uid)

	rawToken, err := base64.StdEncoding.DecodeString(req.AuthToken)
	if err != nil {
		writeError(c, apierror.NewValidation("auth_token must be base64", nil))
		return
	}
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		writeError(c, apierror.TransientInfraf("generate salt", err))
		return
	}

	acc := &model.Account{
		UID:       uid,
		PublicKey: pubKey,
		State:     model.AccountNormal,
		Devices: []model.Device{{
			ID:         MasterDeviceID,
			AuthSalt:   salt,
			AuthToken:  deriveDeviceToken(salt, rawToken),
			Version:    model.ClientVersion{OSType: req.OSType, BuildCode: req.BuildCode},
			PhoneModel: req.PhoneModel,
			LastSeen:   time.Now(),
			State:      model.DeviceConfirmed,
		}},
	}
	if err := a.deps.Accounts.CreateAccount(c, acc); err != nil {
		writeError(c, apierror.TransientInfraf("create account", err))
		return
	}

	a.respondWithToken(c, uid, MasterDeviceID)
}

func (a *accountsController) signin(c *gin.Context) {
	var req signedAttributesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierror.NewValidation("malformed signin body", err))
		return
	}
	pubKey, err := decodePublicKey(req.PublicKey)
	if err != nil {
		writeError(c, apierror.NewValidation(err.Error(), nil))
		return
	}
	uid := uidFromPublicKey(pubKey)

	acc, err := a.deps.Accounts.GetAccount(c, uid)
	if err != nil {
		writeError(c, apierror.TransientInfraf("load account", err))
		return
	}
	if acc == nil {
		writeError(c, apierror.NotFoundf("account not found", nil))
		return
	}

	sig, err := decodeSignature(req.Signature)
	if err != nil {
		writeError(c, apierror.NewValidation(err.Error(), nil))
		return
	}
	if !verifyOwnership(pubKey, uid, sig) {
		writeError(c, apierror.Unauthenticated("signature does not match account public key"))
		return
	}

	rawToken, err := base64.StdEncoding.DecodeString(req.AuthToken)
	if err != nil {
		writeError(c, apierror.NewValidation("auth_token must be base64", nil))
		return
	}
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		writeError(c, apierror.TransientInfraf("generate salt", err))
		return
	}

	now := time.Now()
	mod := model.ModifyAccount{UID: uid, Devices: []model.DeviceMutation{{
		DeviceID:  MasterDeviceID,
		AuthSalt:  salt,
		AuthToken: deriveDeviceToken(salt, rawToken),
		LastSeen:  &now,
	}}}
	if err := a.deps.Accounts.ModifyAccount(c, mod); err != nil {
		writeError(c, apierror.TransientInfraf("rotate credential", err))
		return
	}

	a.respondWithToken(c, uid, MasterDeviceID)
}

func (a *accountsController) respondWithToken(c *gin.Context, uid string, deviceID uint32) {
	token, expires, err := a.deps.Issuer.Mint(uid, deviceID, 0)
	if err != nil {
		writeError(c, apierror.TransientInfraf("mint reconnect token", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"uid":        uid,
		"device_id":  deviceID,
		"token":      base64.StdEncoding.EncodeToString(token),
		"expires_at": expires.Unix(),
	})
}

func (a *accountsController) destroy(c *gin.Context) {
	uid := c.Param("uid")
	acc, err := a.deps.Accounts.GetAccount(c, uid)
	if err != nil {
		writeError(c, apierror.TransientInfraf("load account", err))
		return
	}
	if acc == nil {
		writeError(c, apierror.NotFoundf("account not found", nil))
		return
	}
	sig, err := decodeSignature(c.Param("signature"))
	if err != nil {
		writeError(c, apierror.NewValidation(err.Error(), nil))
		return
	}
	if !verifyOwnership(ed25519PubKey(acc.PublicKey), uid, sig) {
		writeError(c, apierror.Unauthenticated("signature does not match account public key"))
		return
	}
	deleted := model.AccountDeleted
	if err := a.deps.Accounts.ModifyAccount(c, model.ModifyAccount{UID: uid, NewState: &deleted}); err != nil {
		writeError(c, apierror.TransientInfraf("delete account", err))
		return
	}
	if a.deps.Dispatch != nil {
		for _, dev := range acc.Devices {
			a.deps.Dispatch.Kick(address.Addr{UID: uid, DeviceID: dev.ID})
		}
	}
	c.Status(http.StatusNoContent)
}

type attributesRequest struct {
	OSType     string `json:"os_type"`
	BuildCode  int    `json:"build_code"`
	PhoneModel string `json:"phone_model"`
}

func (a *accountsController) setAttributes(c *gin.Context) {
	var req attributesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierror.NewValidation("malformed attributes body", err))
		return
	}
	mod := model.ModifyAccount{UID: callerUID(c), Devices: []model.DeviceMutation{{
		DeviceID:   callerDeviceID(c),
		Version:    &model.ClientVersion{OSType: req.OSType, BuildCode: req.BuildCode},
	}}}
	_ = req.PhoneModel // not stored: model.DeviceMutation has no phone-model field, so the value recorded at signup is kept
	if err := a.deps.Accounts.ModifyAccount(c, mod); err != nil {
		writeError(c, apierror.TransientInfraf("update attributes", err))
		return
	}
	c.Status(http.StatusNoContent)
}

type pushTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

func (a *accountsController) registerApn(c *gin.Context) { a.mutatePush(c, func(p *model.PushRegistration, token string) { p.APNID = token }) }
func (a *accountsController) unregisterApn(c *gin.Context) {
	a.mutatePush(c, func(p *model.PushRegistration, _ string) { p.APNID = "" })
}
func (a *accountsController) registerGcm(c *gin.Context) { a.mutatePush(c, func(p *model.PushRegistration, token string) { p.GCMID = token }) }
func (a *accountsController) unregisterGcm(c *gin.Context) {
	a.mutatePush(c, func(p *model.PushRegistration, _ string) { p.GCMID = "" })
}

func (a *accountsController) mutatePush(c *gin.Context, apply func(p *model.PushRegistration, token string)) {
	var req pushTokenRequest
	if c.Request.Method != http.MethodDelete {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apierror.NewValidation("malformed push registration body", err))
			return
		}
	}

	uid, deviceID := callerUID(c), callerDeviceID(c)
	acc, err := a.deps.Accounts.GetAccount(c, uid)
	if err != nil {
		writeError(c, apierror.TransientInfraf("load account", err))
		return
	}
	if acc == nil {
		writeError(c, apierror.NotFoundf("account not found", nil))
		return
	}
	device := acc.DeviceByID(deviceID)
	if device == nil {
		writeError(c, apierror.NotFoundf("device not found", nil))
		return
	}
	reg := device.Push
	apply(&reg, req.Token)

	if err := a.deps.Accounts.ModifyAccount(c, model.ModifyAccount{UID: uid, Devices: []model.DeviceMutation{{
		DeviceID: deviceID,
		Push:     &reg,
	}}}); err != nil {
		writeError(c, apierror.TransientInfraf("update push registration", err))
		return
	}
	c.Status(http.StatusNoContent)
}

// keepalive updates Device.LastSeen without a full attribute update
// (SPEC_FULL.md §12, original_source device_keepalive_controller.cpp).
func (a *accountsController) keepalive(c *gin.Context) {
	now := time.Now()
	mod := model.ModifyAccount{UID: callerUID(c), Devices: []model.DeviceMutation{{
		DeviceID: callerDeviceID(c),
		LastSeen: &now,
	}}}
	if err := a.deps.Accounts.ModifyAccount(c, mod); err != nil {
		writeError(c, apierror.TransientInfraf("keepalive", err))
		return
	}
	c.Status(http.StatusNoContent)
}
