// Package sqlstore is the reference implementation of the internal/store
// interfaces against MySQL, generalized from the teacher's
// server/store/adapter MySQL adapter (also a jmoiron/sqlx + go-sql-driver
// codebase) onto this spec's accounts/groups/messages schema.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/bcmapp/bcm-server-sub002/internal/model"
)

// Store is a jmoiron/sqlx-backed implementation of AccountStore, GroupStore
// and MessageStore.
type Store struct {
	db *sqlx.DB
}

// Open connects to MySQL using the given DSN, matching the teacher
// adapter's Open(config string) convention.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(64)
	db.SetConnMaxLifetime(time.Hour)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

type accountRow struct {
	UID       string `db:"uid"`
	PublicKey []byte `db:"public_key"`
	State     int    `db:"state"`
}

type deviceRow struct {
	UID        string    `db:"uid"`
	DeviceID   uint32    `db:"device_id"`
	AuthSalt   []byte    `db:"auth_salt"`
	AuthToken  []byte    `db:"auth_token"`
	GCMID      string    `db:"gcm_id"`
	UmengID    string    `db:"umeng_id"`
	APNID      string    `db:"apn_id"`
	APNType    string    `db:"apn_type"`
	VoIPAPNID  string    `db:"voip_apn_id"`
	OSType     string    `db:"os_type"`
	BuildCode  int       `db:"build_code"`
	PhoneModel string    `db:"phone_model"`
	LastSeen   time.Time `db:"last_seen"`
	State      int       `db:"state"`
}

// GetAccount loads an account and its devices in two round trips, matching
// the teacher's UserGet + separate device fan-out pattern.
func (s *Store) GetAccount(ctx context.Context, uid string) (*model.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `SELECT uid, public_key, state FROM accounts WHERE uid = ?`, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get account %s: %w", uid, err)
	}

	var deviceRows []deviceRow
	if err := s.db.SelectContext(ctx, &deviceRows, `SELECT * FROM devices WHERE uid = ?`, uid); err != nil {
		return nil, fmt.Errorf("sqlstore: get devices for %s: %w", uid, err)
	}

	acc := &model.Account{
		UID:       row.UID,
		PublicKey: row.PublicKey,
		State:     model.AccountState(row.State),
	}
	for _, d := range deviceRows {
		acc.Devices = append(acc.Devices, model.Device{
			ID:        d.DeviceID,
			AuthSalt:  d.AuthSalt,
			AuthToken: d.AuthToken,
			Push: model.PushRegistration{
				GCMID:     d.GCMID,
				UmengID:   d.UmengID,
				APNID:     d.APNID,
				APNType:   d.APNType,
				VoIPAPNID: d.VoIPAPNID,
			},
			Version:    model.ClientVersion{OSType: d.OSType, BuildCode: d.BuildCode},
			PhoneModel: d.PhoneModel,
			LastSeen:   d.LastSeen,
			State:      model.DeviceState(d.State),
		})
	}
	return acc, nil
}

func (s *Store) CreateAccount(ctx context.Context, acc *model.Account) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: create account begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (uid, public_key, state) VALUES (?, ?, ?)`,
		acc.UID, acc.PublicKey, int(acc.State)); err != nil {
		return fmt.Errorf("sqlstore: insert account: %w", err)
	}
	for _, d := range acc.Devices {
		if err := insertDevice(ctx, tx, acc.UID, d); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertDevice(ctx context.Context, tx *sqlx.Tx, uid string, d model.Device) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO devices
		(uid, device_id, auth_salt, auth_token, gcm_id, umeng_id, apn_id, apn_type, voip_apn_id,
		 os_type, build_code, phone_model, last_seen, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uid, d.ID, d.AuthSalt, d.AuthToken, d.Push.GCMID, d.Push.UmengID, d.Push.APNID,
		d.Push.APNType, d.Push.VoIPAPNID, d.Version.OSType, d.Version.BuildCode,
		d.PhoneModel, d.LastSeen, int(d.State))
	if err != nil {
		return fmt.Errorf("sqlstore: insert device %d for %s: %w", d.ID, uid, err)
	}
	return nil
}

// ModifyAccount applies a ModifyAccount request as a single transaction,
// matching the teacher's UserUpdate(uid, map[string]interface{}) shape but
// with a typed builder instead of a bare map.
func (s *Store) ModifyAccount(ctx context.Context, mod model.ModifyAccount) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: modify account begin: %w", err)
	}
	defer tx.Rollback()

	if mod.NewState != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET state = ? WHERE uid = ?`,
			int(*mod.NewState), mod.UID); err != nil {
			return fmt.Errorf("sqlstore: update account state: %w", err)
		}
	}
	for _, dm := range mod.Devices {
		if err := applyDeviceMutation(ctx, tx, mod.UID, dm); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyDeviceMutation(ctx context.Context, tx *sqlx.Tx, uid string, dm model.DeviceMutation) error {
	if dm.Push != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE devices SET gcm_id=?, umeng_id=?, apn_id=?, apn_type=?, voip_apn_id=?
			WHERE uid=? AND device_id=?`,
			dm.Push.GCMID, dm.Push.UmengID, dm.Push.APNID, dm.Push.APNType, dm.Push.VoIPAPNID,
			uid, dm.DeviceID); err != nil {
			return fmt.Errorf("sqlstore: update device push %d: %w", dm.DeviceID, err)
		}
	}
	if dm.Version != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE devices SET os_type=?, build_code=? WHERE uid=? AND device_id=?`,
			dm.Version.OSType, dm.Version.BuildCode, uid, dm.DeviceID); err != nil {
			return fmt.Errorf("sqlstore: update device version %d: %w", dm.DeviceID, err)
		}
	}
	if dm.State != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE devices SET state=? WHERE uid=? AND device_id=?`,
			int(*dm.State), uid, dm.DeviceID); err != nil {
			return fmt.Errorf("sqlstore: update device state %d: %w", dm.DeviceID, err)
		}
	}
	if dm.LastSeen != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE devices SET last_seen=? WHERE uid=? AND device_id=?`,
			*dm.LastSeen, uid, dm.DeviceID); err != nil {
			return fmt.Errorf("sqlstore: update device last_seen %d: %w", dm.DeviceID, err)
		}
	}
	if dm.AuthSalt != nil || dm.AuthToken != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE devices SET auth_salt=?, auth_token=? WHERE uid=? AND device_id=?`,
			dm.AuthSalt, dm.AuthToken, uid, dm.DeviceID); err != nil {
			return fmt.Errorf("sqlstore: update device credential %d: %w", dm.DeviceID, err)
		}
	}
	return nil
}

func (s *Store) DeleteDevice(ctx context.Context, uid string, deviceID uint32) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE uid = ? AND device_id = ?`, uid, deviceID)
	if err != nil {
		return fmt.Errorf("sqlstore: delete device %d for %s: %w", deviceID, uid, err)
	}
	return nil
}

type groupRow struct {
	GID             uint64 `db:"gid"`
	LastMID         uint64 `db:"last_mid"`
	Kind            int    `db:"kind"`
	Encrypted       bool   `db:"encrypted"`
	PlainUidSupport bool   `db:"plain_uid_support"`
}

func (s *Store) GetGroup(ctx context.Context, gid uint64) (*model.Group, error) {
	var row groupRow
	err := s.db.GetContext(ctx, &row, `SELECT gid, last_mid, kind, encrypted, plain_uid_support FROM groups WHERE gid = ?`, gid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get group %d: %w", gid, err)
	}
	return &model.Group{
		GID:             row.GID,
		LastMID:         row.LastMID,
		Kind:            model.BroadcastKind(row.Kind),
		Encrypted:       row.Encrypted,
		PlainUidSupport: row.PlainUidSupport,
	}, nil
}

type groupUserRow struct {
	GID        uint64 `db:"gid"`
	UID        string `db:"uid"`
	Role       int    `db:"role"`
	LastAckMID uint64 `db:"last_ack_mid"`
}

func (s *Store) GetGroupUser(ctx context.Context, gid uint64, uid string) (*model.GroupUser, error) {
	var row groupUserRow
	err := s.db.GetContext(ctx, &row,
		`SELECT gid, uid, role, last_ack_mid FROM group_users WHERE gid = ? AND uid = ?`, gid, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get group user %d/%s: %w", gid, uid, err)
	}
	return &model.GroupUser{GID: row.GID, UID: row.UID, Role: model.GroupRole(row.Role), LastAckMID: row.LastAckMID}, nil
}

func (s *Store) ListGroupUsers(ctx context.Context, gid uint64) ([]model.GroupUser, error) {
	var rows []groupUserRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT gid, uid, role, last_ack_mid FROM group_users WHERE gid = ?`, gid); err != nil {
		return nil, fmt.Errorf("sqlstore: list group users %d: %w", gid, err)
	}
	out := make([]model.GroupUser, len(rows))
	for i, r := range rows {
		out[i] = model.GroupUser{GID: r.GID, UID: r.UID, Role: model.GroupRole(r.Role), LastAckMID: r.LastAckMID}
	}
	return out, nil
}

func (s *Store) UpdateLastAckMID(ctx context.Context, gid uint64, uid string, mid uint64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE group_users SET last_ack_mid = ? WHERE gid = ? AND uid = ? AND last_ack_mid < ?`,
		mid, gid, uid, mid)
	if err != nil {
		return fmt.Errorf("sqlstore: update last_ack_mid %d/%s: %w", gid, uid, err)
	}
	return nil
}

func (s *Store) BumpGroupLastMID(ctx context.Context, gid uint64, mid uint64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE groups SET last_mid = ? WHERE gid = ? AND last_mid < ?`, mid, gid, mid)
	if err != nil {
		return fmt.Errorf("sqlstore: bump last_mid %d: %w", gid, err)
	}
	return nil
}

// AllocateMID increments groups.last_mid inside a transaction and returns
// the new value, giving the caller an atomically-assigned mid to stamp on
// the message row it is about to insert.
func (s *Store) AllocateMID(ctx context.Context, gid uint64) (uint64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: allocate mid %d: %w", gid, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE groups SET last_mid = last_mid + 1 WHERE gid = ?`, gid); err != nil {
		return 0, fmt.Errorf("sqlstore: allocate mid %d: %w", gid, err)
	}
	var mid uint64
	if err := tx.GetContext(ctx, &mid, `SELECT last_mid FROM groups WHERE gid = ?`, gid); err != nil {
		return 0, fmt.Errorf("sqlstore: allocate mid %d: %w", gid, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlstore: allocate mid %d: %w", gid, err)
	}
	return mid, nil
}

type messageRow struct {
	GID         uint64    `db:"gid"`
	MID         uint64    `db:"mid"`
	FromUID     string    `db:"from_uid"`
	Type        int       `db:"type"`
	Text        []byte    `db:"text"`
	CreateTime  time.Time `db:"create_time"`
	Status      int       `db:"status"`
	AtAll       bool      `db:"at_all"`
	AtList      []byte    `db:"at_list"`
	SourceExtra []byte    `db:"source_extra"`
	VerifySig   []byte    `db:"verify_sig"`
	RecalledMID uint64    `db:"recalled_mid"`
}

func (s *Store) AppendMessage(ctx context.Context, msg *model.GroupMessage) error {
	atList, err := json.Marshal(msg.AtList)
	if err != nil {
		return fmt.Errorf("sqlstore: append message %d/%d: %w", msg.GID, msg.MID, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO group_messages
		(gid, mid, from_uid, type, text, create_time, status, at_all, at_list, source_extra, verify_sig, recalled_mid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.GID, msg.MID, msg.FromUID, int(msg.Type), msg.Text, msg.CreateTime,
		int(msg.Status), msg.AtAll, atList, encodeEnvelope(msg.SourceExtra), msg.VerifySig, msg.RecalledMID)
	if err != nil {
		return fmt.Errorf("sqlstore: append message %d/%d: %w", msg.GID, msg.MID, err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, gid, mid uint64) (*model.GroupMessage, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM group_messages WHERE gid = ? AND mid = ?`, gid, mid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get message %d/%d: %w", gid, mid, err)
	}
	return rowToMessage(row)
}

func (s *Store) RecallMessage(ctx context.Context, gid, mid uint64, recallMID uint64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE group_messages SET status = ?, recalled_mid = ? WHERE gid = ? AND mid = ?`,
		int(model.MessageRecalled), recallMID, gid, mid)
	if err != nil {
		return fmt.Errorf("sqlstore: recall message %d/%d: %w", gid, mid, err)
	}
	return nil
}

func (s *Store) FetchRange(ctx context.Context, gid uint64, fromMID, toMID uint64, limit int) ([]model.GroupMessage, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM group_messages WHERE gid = ? AND mid > ? AND mid <= ? ORDER BY mid ASC LIMIT ?`,
		gid, fromMID, toMID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: fetch range gid=%d from=%d to=%d: %w", gid, fromMID, toMID, err)
	}
	out := make([]model.GroupMessage, len(rows))
	for i, r := range rows {
		msg, err := rowToMessage(r)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: fetch range gid=%d from=%d to=%d: %w", gid, fromMID, toMID, err)
		}
		out[i] = *msg
	}
	return out, nil
}

func rowToMessage(row messageRow) (*model.GroupMessage, error) {
	var atList []string
	if len(row.AtList) > 0 {
		if err := json.Unmarshal(row.AtList, &atList); err != nil {
			return nil, fmt.Errorf("decode at_list: %w", err)
		}
	}
	env, err := decodeEnvelope(row.SourceExtra)
	if err != nil {
		return nil, fmt.Errorf("decode source_extra: %w", err)
	}
	return &model.GroupMessage{
		GID:         row.GID,
		MID:         row.MID,
		FromUID:     row.FromUID,
		Type:        model.MessageType(row.Type),
		Text:        row.Text,
		CreateTime:  row.CreateTime,
		Status:      model.MessageStatus(row.Status),
		AtAll:       row.AtAll,
		AtList:      atList,
		SourceExtra: env,
		VerifySig:   row.VerifySig,
		RecalledMID: row.RecalledMID,
	}, nil
}

// encodeEnvelope/decodeEnvelope round-trip the full SenderEnvelope as JSON;
// the ECDH/AES framing itself lives in internal/envelope, this just needs
// the struct back intact for Open() to work on recall/fetch.
func encodeEnvelope(env *model.SenderEnvelope) []byte {
	if env == nil {
		return nil
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	return raw
}

func decodeEnvelope(b []byte) (*model.SenderEnvelope, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var env model.SenderEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
