// Package model holds the data types shared across the dispatch fabric,
// offline orchestrator, push service and group message state — the shapes
// spec.md §3 describes. Persistence itself lives behind the narrow DAO
// interfaces in internal/store; this package is intentionally storage-agnostic.
package model

import "time"

// AccountState is the lifecycle state of an Account.
type AccountState int

const (
	AccountNormal AccountState = iota
	AccountDeleted
)

// DeviceState is the lifecycle state of a single linked Device.
type DeviceState int

const (
	DeviceNormal DeviceState = iota
	DeviceConfirmed
	DeviceLogout
)

// ClientVersion identifies the OS and build of the client on a device.
type ClientVersion struct {
	OSType    string
	BuildCode int
}

// PushRegistration is the set of provider registration ids a device may
// carry. All four blank means the device is not push-capable (spec.md §4.4).
type PushRegistration struct {
	GCMID    string
	UmengID  string
	APNID    string
	APNType  string
	VoIPAPNID string
}

// IsPushCapable reports whether at least one provider registration id is set.
func (p PushRegistration) IsPushCapable() bool {
	return p.GCMID != "" || p.UmengID != "" || p.APNID != "" || p.VoIPAPNID != ""
}

// Device is one of an Account's (uid, device-id) endpoints.
type Device struct {
	ID             uint32
	AuthSalt       []byte
	AuthToken      []byte
	Push           PushRegistration
	Version        ClientVersion
	PhoneModel     string
	LastSeen       time.Time
	State          DeviceState
}

// Account is a user's identity and the devices linked to it.
//
// Invariant: PublicKey uniquely derives UID via hash encoding. Mutations go
// through ModifyAccount so the DAO can apply a compare-and-set.
type Account struct {
	UID       string
	PublicKey []byte
	State     AccountState
	Devices   []Device
}

// DeviceByID finds a device by id, or nil if absent.
func (a *Account) DeviceByID(id uint32) *Device {
	for i := range a.Devices {
		if a.Devices[i].ID == id {
			return &a.Devices[i]
		}
	}
	return nil
}

// DeviceMutation is one device-level change requested as part of a
// ModifyAccount builder call (spec.md §3 invariant).
type DeviceMutation struct {
	DeviceID  uint32
	Push      *PushRegistration // nil = leave unchanged
	Version   *ClientVersion
	State     *DeviceState
	LastSeen  *time.Time
	AuthSalt  []byte // non-nil rotates the device's salted auth credential
	AuthToken []byte
}

// ModifyAccount is the only sanctioned way to describe an account mutation;
// the DAO turns it into a compare-and-set against the stored record.
type ModifyAccount struct {
	UID       string
	Devices   []DeviceMutation
	NewState  *AccountState
}

// BroadcastKind distinguishes chat groups from broadcast channels.
type BroadcastKind int

const (
	BroadcastChat BroadcastKind = iota
	BroadcastChannel
)

// Group is a conversation's static metadata.
type Group struct {
	GID         uint64
	LastMID     uint64
	Kind        BroadcastKind
	Encrypted   bool
	PlainUidSupport bool
}

// GroupRole is a member's permission level within a Group.
type GroupRole int

const (
	RoleOwner GroupRole = iota
	RoleAdmin
	RoleMember
	RoleSubscriber
)

// CanSend reports whether the role may send messages (everyone but
// subscribers, per spec.md §4.5).
func (r GroupRole) CanSend() bool {
	return r != RoleSubscriber
}

// GroupUser is a (gid, uid) membership record.
type GroupUser struct {
	GID        uint64
	UID        string
	Role       GroupRole
	LastAckMID uint64
}

// MessageType distinguishes the four kinds of GroupMessage rows.
type MessageType int

const (
	MsgChat MessageType = iota
	MsgChannel
	MsgRecall
	MsgMemberUpdate
)

// MessageStatus is the lifecycle state of a GroupMessage.
type MessageStatus int

const (
	MessageNormal MessageStatus = iota
	MessageRecalled
)

// SenderEnvelope is the ECDH-sealed sender identity carried in source-extra
// when plainUidSupport is off (spec.md §6).
type SenderEnvelope struct {
	Version          int
	GroupMsgPubKey   []byte
	EphemeralPubKey  []byte
	IV               []byte
	Source           []byte
}

// GroupMessage is a single (gid, mid) row.
type GroupMessage struct {
	GID          uint64
	MID          uint64
	FromUID      string // blank when plainUidSupport is off
	Type         MessageType
	Text         []byte // opaque ciphertext
	CreateTime   time.Time
	Status       MessageStatus
	AtList       []string
	AtAll        bool
	SourceExtra  *SenderEnvelope
	VerifySig    []byte
	RecalledMID  uint64 // set only on MsgRecall rows
}

// RecallWindow is the interval after send during which the author may
// supersede a message (spec.md §4.5, §9 glossary).
const RecallWindow = 24 * time.Hour

// CanRecall reports whether msg is still within the recall window and of a
// recallable type/status.
func (m *GroupMessage) CanRecall(now time.Time) bool {
	if m.Status != MessageNormal {
		return false
	}
	if m.Type != MsgChat && m.Type != MsgChannel {
		return false
	}
	return now.Sub(m.CreateTime) <= RecallWindow
}

// CfgFlag mirrors GroupUserMessageIdInfo.cfgFlag (spec.md §3).
type CfgFlag int

const (
	CfgNormal CfgFlag = iota
	CfgNoConfig
)

// GroupUserMessageIdInfo is the Redis hash value stored per (gid, uid):
// a push-routing snapshot plus the user's last-seen mid for that group.
// Absence of the record means the user is fully caught up.
type GroupUserMessageIdInfo struct {
	UID        string
	LastMID    uint64
	Push       PushRegistration
	OSType     string
	BuildCode  int
	PhoneModel string
	CfgFlag    CfgFlag
}

// PushPeopleType distinguishes broadcast-to-everyone triples from
// targeted-recipient triples in the offline queue (spec.md §3, §4.3).
type PushPeopleType int

const (
	ToAllMembers PushPeopleType = iota
	ToDesignatedPerson
)
