package api

import (
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bcmapp/bcm-server-sub002/internal/apierror"
	"github.com/bcmapp/bcm-server-sub002/internal/group"
	"github.com/bcmapp/bcm-server-sub002/internal/model"
)

// groupController wires spec.md §6's /v1/group/deliver/* table onto
// internal/group.Service, translating the REST verb+JSON body into the
// typed SendRequest/Recall/Fetch/Ack calls (spec.md §9's "typed
// request/response pair" design note, replacing the source's polymorphic
// any-typed HTTP body).
type groupController struct {
	deps Deps
}

func (g *groupController) registerRoutes(r *gin.Engine) {
	r.PUT("/v1/group/deliver/send_msg", requireAuth(g.deps.Accounts, g.deps.Issuer, false), g.sendMsg)
	r.PUT("/v1/group/deliver/recall_msg", requireAuth(g.deps.Accounts, g.deps.Issuer, false), g.recallMsg)
	r.PUT("/v1/group/deliver/get_msg", requireAuth(g.deps.Accounts, g.deps.Issuer, false), g.getMsg)
	r.PUT("/v1/group/deliver/ack_msg", requireAuth(g.deps.Accounts, g.deps.Issuer, true), g.ackMsg)
}

type sendMsgRequest struct {
	GID            uint64   `json:"gid" binding:"required"`
	Text           string   `json:"text" binding:"required"` // base64
	AtList         []string `json:"at_list"`
	AtAll          bool     `json:"at_all"`
	Type           int      `json:"type"`
	GroupMsgPubKey string   `json:"group_msg_pubkey"` // base64, required when plainUidSupport is off
	Sig            string   `json:"sig"`               // base64, stored as verifysig for later recall proof
	DesignatedUIDs []string `json:"designated_uids"`
}

func (g *groupController) sendMsg(c *gin.Context) {
	var req sendMsgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierror.NewValidation("malformed send_msg body", err))
		return
	}
	text, err := base64.StdEncoding.DecodeString(req.Text)
	if err != nil {
		writeError(c, apierror.NewValidation("text must be base64", nil))
		return
	}
	var groupMsgPubKey, sig []byte
	if req.GroupMsgPubKey != "" {
		if groupMsgPubKey, err = base64.StdEncoding.DecodeString(req.GroupMsgPubKey); err != nil {
			writeError(c, apierror.NewValidation("group_msg_pubkey must be base64", nil))
			return
		}
	}
	if req.Sig != "" {
		if sig, err = base64.StdEncoding.DecodeString(req.Sig); err != nil {
			writeError(c, apierror.NewValidation("sig must be base64", nil))
			return
		}
	}

	msg, err := g.deps.Group.Send(c, req.GID, callerUID(c), group.SendRequest{
		Text:           text,
		AtList:         req.AtList,
		AtAll:          req.AtAll,
		Type:           model.MessageType(req.Type),
		GroupMsgPubKey: groupMsgPubKey,
		Sig:            sig,
		DesignatedUIDs: req.DesignatedUIDs,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, messageResponse(msg))
}

type recallMsgRequest struct {
	GID uint64 `json:"gid" binding:"required"`
	MID uint64 `json:"mid" binding:"required"`
	IV  string `json:"iv"` // base64, required when the original sender was sealed
}

func (g *groupController) recallMsg(c *gin.Context) {
	var req recallMsgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierror.NewValidation("malformed recall_msg body", err))
		return
	}
	var iv []byte
	if req.IV != "" {
		var err error
		if iv, err = base64.StdEncoding.DecodeString(req.IV); err != nil {
			writeError(c, apierror.NewValidation("iv must be base64", nil))
			return
		}
	}

	uid := callerUID(c)
	acc, err := g.deps.Accounts.GetAccount(c, uid)
	if err != nil {
		writeError(c, apierror.TransientInfraf("load account", err))
		return
	}
	if acc == nil {
		writeError(c, apierror.NotFoundf("account not found", nil))
		return
	}

	msg, err := g.deps.Group.Recall(c, req.GID, uid, req.MID, iv, ed25519PubKey(acc.PublicKey))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, messageResponse(msg))
}

func (g *groupController) getMsg(c *gin.Context) {
	gid, err := strconv.ParseUint(c.Query("gid"), 10, 64)
	if err != nil {
		writeError(c, apierror.NewValidation("gid required", nil))
		return
	}
	fromMID, _ := strconv.ParseUint(c.Query("from_mid"), 10, 64)
	toMID, err := strconv.ParseUint(c.Query("to_mid"), 10, 64)
	if err != nil {
		writeError(c, apierror.NewValidation("to_mid required", nil))
		return
	}
	supportsRecall := c.Query("supports_recall") == "true"

	msgs, err := g.deps.Group.Fetch(c, gid, callerUID(c), fromMID, toMID, supportsRecall)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageResponse(&msgs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

type ackMsgRequest struct {
	GID uint64 `json:"gid" binding:"required"`
	MID uint64 `json:"mid"`
}

func (g *groupController) ackMsg(c *gin.Context) {
	var req ackMsgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierror.NewValidation("malformed ack_msg body", err))
		return
	}
	if err := g.deps.Group.Ack(c, req.GID, callerUID(c), req.MID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func messageResponse(msg *model.GroupMessage) gin.H {
	h := gin.H{
		"gid":         msg.GID,
		"mid":         msg.MID,
		"from_uid":    msg.FromUID,
		"type":        int(msg.Type),
		"text":        base64.StdEncoding.EncodeToString(msg.Text),
		"create_time": msg.CreateTime.UnixMilli(),
		"status":      int(msg.Status),
		"at_list":     msg.AtList,
		"at_all":      msg.AtAll,
	}
	if msg.RecalledMID != 0 {
		h["recalled_mid"] = msg.RecalledMID
	}
	if msg.SourceExtra != nil {
		h["source_extra"] = gin.H{
			"version":           msg.SourceExtra.Version,
			"group_msg_pubkey":  base64.StdEncoding.EncodeToString(msg.SourceExtra.GroupMsgPubKey),
			"ephemeral_pub_key": base64.StdEncoding.EncodeToString(msg.SourceExtra.EphemeralPubKey),
			"iv":                base64.StdEncoding.EncodeToString(msg.SourceExtra.IV),
			"source":            base64.StdEncoding.EncodeToString(msg.SourceExtra.Source),
		}
	}
	return h
}
