package offline

import (
	"encoding/json"
	"fmt"

	"github.com/bcmapp/bcm-server-sub002/internal/model"
)

// groupUserMsgValue is the JSON shape stored as a group_user_msg_<gid>
// hash field value (spec.md §6 Persisted Redis layout).
type groupUserMsgValue struct {
	LastMID    uint64                 `json:"last_mid"`
	GCMID      string                 `json:"gcm_id,omitempty"`
	UmengID    string                 `json:"umeng_id,omitempty"`
	APNID      string                 `json:"apn_id,omitempty"`
	VoIPAPNID  string                 `json:"voip_apn_id,omitempty"`
	OSType     string                 `json:"os_type,omitempty"`
	BuildCode  int                    `json:"build_code,omitempty"`
	PhoneModel string                 `json:"phone_model,omitempty"`
	CfgFlag    model.CfgFlag          `json:"cfg_flag"`
}

func decodeGroupUserMessageIdInfo(raw string) (model.GroupUserMessageIdInfo, error) {
	var v groupUserMsgValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return model.GroupUserMessageIdInfo{}, fmt.Errorf("offline: decode group_user_msg value: %w", err)
	}
	return model.GroupUserMessageIdInfo{
		LastMID:    v.LastMID,
		OSType:     v.OSType,
		BuildCode:  v.BuildCode,
		PhoneModel: v.PhoneModel,
		CfgFlag:    v.CfgFlag,
		Push: model.PushRegistration{
			GCMID:     v.GCMID,
			UmengID:   v.UmengID,
			APNID:     v.APNID,
			VoIPAPNID: v.VoIPAPNID,
		},
	}, nil
}

func encodeGroupUserMessageIdInfo(info model.GroupUserMessageIdInfo) (string, error) {
	v := groupUserMsgValue{
		LastMID:    info.LastMID,
		GCMID:      info.Push.GCMID,
		UmengID:    info.Push.UmengID,
		APNID:      info.Push.APNID,
		VoIPAPNID:  info.Push.VoIPAPNID,
		OSType:     info.OSType,
		BuildCode:  info.BuildCode,
		PhoneModel: info.PhoneModel,
		CfgFlag:    info.CfgFlag,
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// groupMultibroadValue is the JSON shape stored as a group_multi_msg_list
// hash field value: the explicit recipient set for a MEMBER_UPDATE-class
// message, as opposed to the "push everyone" default (spec.md §6).
type groupMultibroadValue struct {
	Members []string `json:"members"`
	FromUID string   `json:"from_uid,omitempty"`
}

// EncodeDesignatedMembers renders a MEMBER_UPDATE triple's explicit
// recipient set for the group_multi_msg_list hash field. Exported so
// internal/group can write it in the same shape this package reads back.
func EncodeDesignatedMembers(fromUID string, members []string) (string, error) {
	raw, err := json.Marshal(groupMultibroadValue{Members: members, FromUID: fromUID})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// decodeDesignatedMembers returns the explicit recipient set and the
// originating uid so callers can exclude the sender from its own push.
func decodeDesignatedMembers(raw string) (members []string, fromUID string, err error) {
	var v groupMultibroadValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, "", fmt.Errorf("offline: decode group_multi_msg_list value: %w", err)
	}
	return v.Members, v.FromUID, nil
}
