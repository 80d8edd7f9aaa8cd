// Package group implements spec.md §4.5's group message state machine:
// Send, Recall, Fetch and Ack. Grounded on the original
// GroupMsgController::sendMsg/recallMsg control flow (role check, atomic
// mid assignment, sealed-sender envelope, then local fan-out plus the
// offline index update), reworked into Go methods over the internal/store
// DAO interfaces instead of a boost::beast HTTP controller.
package group

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bcmapp/bcm-server-sub002/internal/apierror"
	"github.com/bcmapp/bcm-server-sub002/internal/envelope"
	"github.com/bcmapp/bcm-server-sub002/internal/model"
	"github.com/bcmapp/bcm-server-sub002/internal/offline"
	"github.com/bcmapp/bcm-server-sub002/internal/redispart"
	"github.com/bcmapp/bcm-server-sub002/internal/store"
)

const (
	groupMsgListKey      = "group_msg_list"
	groupMultiMsgListKey = "group_multi_msg_list"
)

// Config parameterizes Service.
type Config struct {
	MaxMessageBytes int
	FetchPageLimit  int
}

func (c *Config) applyDefaults() {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.FetchPageLimit <= 0 {
		c.FetchPageLimit = 50
	}
}

// Store is the narrow persistence surface Service needs.
type Store interface {
	store.GroupStore
	store.MessageStore
}

// SendRequest carries one client send, already authenticated to (gid, uid).
type SendRequest struct {
	Text           []byte
	AtList         []string
	AtAll          bool
	Type           model.MessageType // MsgChat, MsgChannel or MsgMemberUpdate
	GroupMsgPubKey []byte            // present when the client wants a sealed envelope
	Sig            []byte            // client signature, stored as verifysig for later recall proof
	DesignatedUIDs []string          // MsgMemberUpdate's explicit recipient set
}

// Service implements Send/Recall/Fetch/Ack against a Store, a local
// Broadcaster, and the offline orchestrator's Redis structures.
type Service struct {
	store       Store
	router      *redispart.Router
	broadcaster *Broadcaster
	cfg         Config
}

// NewService builds a Service.
func NewService(st Store, router *redispart.Router, broadcaster *Broadcaster, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{store: st, router: router, broadcaster: broadcaster, cfg: cfg}
}

// Send resolves role, seals the sender identity if plainUidSupport is off,
// assigns a mid atomically, persists the row, and fans it out both
// in-process and into the offline index.
func (s *Service) Send(ctx context.Context, gid uint64, senderUID string, req SendRequest) (*model.GroupMessage, error) {
	if len(req.Text) > s.cfg.MaxMessageBytes {
		return nil, apierror.NewValidation("message body exceeds the size limit", nil)
	}

	grp, err := s.store.GetGroup(ctx, gid)
	if err != nil {
		return nil, apierror.TransientInfraf("load group", err)
	}
	if grp == nil {
		return nil, apierror.NotFoundf("group not found", nil)
	}

	member, err := s.store.GetGroupUser(ctx, gid, senderUID)
	if err != nil {
		return nil, apierror.TransientInfraf("load group member", err)
	}
	if member == nil {
		return nil, apierror.PermissionDenied("not a member of this group")
	}
	if !member.Role.CanSend() {
		return nil, apierror.PermissionDenied("subscriber cannot send group messages")
	}

	var sealed *model.SenderEnvelope
	fromUID := ""
	if grp.PlainUidSupport {
		fromUID = senderUID
	} else {
		if len(req.GroupMsgPubKey) == 0 {
			return nil, apierror.NewValidation("group message public key required when plainUidSupport is off", nil)
		}
		sealed, err = envelope.Seal(req.GroupMsgPubKey, senderUID)
		if err != nil {
			return nil, apierror.NewValidation("failed to seal sender envelope", err)
		}
	}

	mid, err := s.store.AllocateMID(ctx, gid)
	if err != nil {
		return nil, apierror.TransientInfraf("allocate mid", err)
	}

	msg := &model.GroupMessage{
		GID:         gid,
		MID:         mid,
		FromUID:     fromUID,
		Type:        req.Type,
		Text:        req.Text,
		CreateTime:  time.Now(),
		Status:      model.MessageNormal,
		AtList:      req.AtList,
		AtAll:       req.AtAll,
		SourceExtra: sealed,
		VerifySig:   req.Sig,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, apierror.TransientInfraf("append message", err)
	}
	if err := s.store.BumpGroupLastMID(ctx, gid, mid); err != nil {
		return nil, apierror.TransientInfraf("bump group last mid", err)
	}

	// filling fromuid with the real sender avoids pushing the message back to
	// its own author during local fan-out, regardless of plainUidSupport.
	local := *msg
	local.FromUID = senderUID
	s.broadcaster.Publish(&local)

	peopleType := model.ToAllMembers
	if req.Type == model.MsgMemberUpdate {
		peopleType = model.ToDesignatedPerson
	}
	if err := s.indexForOffline(ctx, gid, mid, peopleType, senderUID, req.DesignatedUIDs); err != nil {
		return nil, apierror.TransientInfraf("index offline queue", err)
	}

	return msg, nil
}

// Recall supersedes a message the caller authored, within the 24h window,
// inserting a RECALL-typed row that references the original mid.
func (s *Service) Recall(ctx context.Context, gid uint64, callerUID string, mid uint64, iv []byte, callerPubKey ed25519.PublicKey) (*model.GroupMessage, error) {
	original, err := s.store.GetMessage(ctx, gid, mid)
	if err != nil {
		return nil, apierror.TransientInfraf("load message", err)
	}
	if original == nil {
		return nil, apierror.NotFoundf("message not found", nil)
	}

	if !s.verifySender(original, callerUID, iv, callerPubKey) {
		return nil, apierror.ErrNotSender
	}
	if original.Type != model.MsgChat && original.Type != model.MsgChannel {
		return nil, apierror.ErrNotRecallable
	}
	if original.Status != model.MessageNormal {
		return nil, apierror.ErrNotRecallable
	}
	if time.Since(original.CreateTime) > model.RecallWindow {
		return nil, apierror.ErrRecallWindowExpired
	}

	grp, err := s.store.GetGroup(ctx, gid)
	if err != nil {
		return nil, apierror.TransientInfraf("load group", err)
	}
	if grp == nil {
		return nil, apierror.NotFoundf("group not found", nil)
	}

	newMID, err := s.store.AllocateMID(ctx, gid)
	if err != nil {
		return nil, apierror.TransientInfraf("allocate mid", err)
	}

	payload, err := json.Marshal(map[string]uint64{"recalled_mid": mid})
	if err != nil {
		return nil, fmt.Errorf("group: marshal recall payload: %w", err)
	}

	fromUID := ""
	var sealed *model.SenderEnvelope
	if grp.PlainUidSupport {
		fromUID = callerUID
	} else if original.SourceExtra != nil {
		sealed, err = envelope.Seal(original.SourceExtra.GroupMsgPubKey, callerUID)
		if err != nil {
			return nil, apierror.NewValidation("failed to seal recall envelope", err)
		}
	}

	recallMsg := &model.GroupMessage{
		GID:         gid,
		MID:         newMID,
		FromUID:     fromUID,
		Type:        model.MsgRecall,
		Text:        payload,
		CreateTime:  time.Now(),
		Status:      model.MessageNormal,
		SourceExtra: sealed,
		RecalledMID: mid,
	}
	if err := s.store.AppendMessage(ctx, recallMsg); err != nil {
		return nil, apierror.TransientInfraf("append recall message", err)
	}
	if err := s.store.RecallMessage(ctx, gid, mid, newMID); err != nil {
		return nil, apierror.TransientInfraf("mark message recalled", err)
	}
	if err := s.store.BumpGroupLastMID(ctx, gid, newMID); err != nil {
		return nil, apierror.TransientInfraf("bump group last mid", err)
	}

	local := *recallMsg
	local.FromUID = callerUID
	s.broadcaster.Publish(&local)

	if err := s.indexForOffline(ctx, gid, newMID, model.ToAllMembers, callerUID, nil); err != nil {
		return nil, apierror.TransientInfraf("index offline queue", err)
	}

	return recallMsg, nil
}

// verifySender checks either cleartext from-uid equality, or — when the
// sender was sealed — that callerPubKey's signature over iv matches the
// verifysig the client supplied at send time.
func (s *Service) verifySender(msg *model.GroupMessage, callerUID string, iv []byte, callerPubKey ed25519.PublicKey) bool {
	if msg.FromUID != "" {
		return msg.FromUID == callerUID
	}
	if len(callerPubKey) != ed25519.PublicKeySize || len(msg.VerifySig) == 0 {
		return false
	}
	return ed25519.Verify(callerPubKey, iv, msg.VerifySig)
}

// Fetch returns up to the configured page limit of messages in
// (fromMID, toMID], filtering recall markers from callers that don't
// support them.
func (s *Service) Fetch(ctx context.Context, gid uint64, callerUID string, fromMID, toMID uint64, supportsRecall bool) ([]model.GroupMessage, error) {
	member, err := s.store.GetGroupUser(ctx, gid, callerUID)
	if err != nil {
		return nil, apierror.TransientInfraf("load group member", err)
	}
	if member == nil {
		return nil, apierror.PermissionDenied("not a member of this group")
	}

	msgs, err := s.store.FetchRange(ctx, gid, fromMID, toMID, s.cfg.FetchPageLimit)
	if err != nil {
		return nil, apierror.TransientInfraf("fetch range", err)
	}
	if supportsRecall {
		return msgs, nil
	}

	visible := msgs[:0]
	for _, m := range msgs {
		if m.Type == model.MsgRecall {
			continue
		}
		visible = append(visible, m)
	}
	return visible, nil
}

// Ack updates (gid, uid)'s last-ack mid. Idempotent: acking an
// already-acked or lower mid is a harmless no-op at the store layer.
func (s *Service) Ack(ctx context.Context, gid uint64, uid string, mid uint64) error {
	if err := s.store.UpdateLastAckMID(ctx, gid, uid, mid); err != nil {
		return apierror.TransientInfraf("update last ack mid", err)
	}
	return nil
}

// indexForOffline writes the triple onto group_msg_list and, for
// designated-recipient triples, the explicit member set onto
// group_multi_msg_list (group_store_format.h's GroupMultibroadMessageInfo).
func (s *Service) indexForOffline(ctx context.Context, gid, mid uint64, peopleType model.PushPeopleType, fromUID string, designated []string) error {
	triple := offline.Triple{GID: gid, MID: mid, PushType: peopleType}
	if err := s.router.ZAdd(ctx, gid, groupMsgListKey, triple.String(), float64(time.Now().Unix())); err != nil {
		return err
	}
	if peopleType != model.ToDesignatedPerson {
		return nil
	}
	raw, err := offline.EncodeDesignatedMembers(fromUID, designated)
	if err != nil {
		return err
	}
	return s.router.HSet(ctx, gid, groupMultiMsgListKey, triple.String(), raw)
}
