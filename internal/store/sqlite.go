package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLite 嵌入式实现（单节点部署与测试），时间以 UTC 微秒整数存储
type SQLite struct {
	db *sql.DB
}

// OpenSQLite 打开数据库并建表，path 为 ":memory:" 时使用内存库
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// 单连接：内存库按连接隔离，文件库避免写锁竞争
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func wrapSQL(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.ErrStorage.Wrap(err)
}

func micros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *SQLite) CreateConversation(ctx context.Context, conv model.Conversation, participants []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQL(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, type, name, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET type = excluded.type, name = excluded.name, updated_at = excluded.updated_at
	`, conv.ID, conv.Type, conv.Name, micros(conv.UpdatedAt))
	if err != nil {
		return wrapSQL(err)
	}
	for _, uid := range participants {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, joined_at) VALUES (?, ?, ?)
		`, conv.ID, uid, micros(conv.UpdatedAt))
		if err != nil {
			return wrapSQL(err)
		}
	}
	return wrapSQL(tx.Commit())
}

func (s *SQLite) AddParticipant(ctx context.Context, conversationID, userID string, at time.Time) error {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, joined_at) VALUES (?, ?, ?)
	`, conversationID, userID, micros(at))
	if err != nil {
		return wrapSQL(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		_, err = s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, micros(at), conversationID)
	}
	return wrapSQL(err)
}

func (s *SQLite) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var c model.Conversation
	var updated int64
	err := s.db.QueryRowContext(ctx, `SELECT id, type, name, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Type, &c.Name, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrConversationNotFound
	}
	if err != nil {
		return nil, wrapSQL(err)
	}
	c.UpdatedAt = fromMicros(updated)
	return &c, nil
}

func (s *SQLite) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapSQL(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, wrapSQL(err)
		}
		out = append(out, v)
	}
	return out, wrapSQL(rows.Err())
}

func (s *SQLite) Participants(ctx context.Context, conversationID string) ([]string, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.queryStrings(ctx, `
		SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY user_id
	`, conversationID)
}

func (s *SQLite) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID).Scan(&n)
	return n > 0, wrapSQL(err)
}

func (s *SQLite) Contacts(ctx context.Context, userID string) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT DISTINCT p2.user_id
		FROM conversation_participants p1
		JOIN conversation_participants p2 ON p2.conversation_id = p1.conversation_id
		WHERE p1.user_id = ? AND p2.user_id <> ?
		ORDER BY p2.user_id
	`, userID, userID)
}

func (s *SQLite) InsertMessage(ctx context.Context, m *model.Message) error {
	if _, err := s.GetConversation(ctx, m.ConversationID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQL(err)
	}
	defer tx.Rollback()

	ts := micros(m.Timestamp)
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, conversation_id, sender_id, content, type, media_url, reply_to, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.SenderID, m.Content, string(m.Type), m.MediaURL, m.ReplyTo, ts, ts)
	if err != nil {
		return wrapSQL(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	for _, key := range m.DeliveredTo {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_deliveries (message_id, user_id, device_id, delivered_at) VALUES (?, ?, ?, ?)
		`, m.ID, key.UserID, key.DeviceID, ts)
		if err != nil {
			return wrapSQL(err)
		}
	}
	return wrapSQL(tx.Commit())
}

const sqliteMessageColumns = `m.id, m.conversation_id, m.sender_id, m.content, m.type, m.media_url, m.reply_to, m.created_at, m.edited_at, m.is_deleted, m.deleted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row scanner) (*model.Message, error) {
	var m model.Message
	var typ string
	var created int64
	var edited, deleted sql.NullInt64
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &typ, &m.MediaURL, &m.ReplyTo,
		&created, &edited, &m.IsDeleted, &deleted)
	if err != nil {
		return nil, err
	}
	m.Type = model.MessageType(typ)
	m.Timestamp = fromMicros(created)
	m.EditedAt = fromNullMicros(edited)
	m.DeletedAt = fromNullMicros(deleted)
	m.DeliveredTo = []model.DeviceKey{}
	m.ReadBy = []string{}
	return &m, nil
}

func (s *SQLite) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	m, err := scanSQLiteMessage(s.db.QueryRowContext(ctx, `SELECT `+sqliteMessageColumns+` FROM messages m WHERE m.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrMessageNotFound
	}
	if err != nil {
		return nil, wrapSQL(err)
	}
	if err := s.loadSets(ctx, []*model.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLite) loadSets(ctx context.Context, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*model.Message, len(msgs))
	args := make([]any, 0, 2*len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		args = append(args, m.ID)
	}
	args = append(args, args...)
	in := placeholders(len(msgs))

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id, device_id, 'd' FROM message_deliveries WHERE message_id IN (`+in+`)
		UNION ALL
		SELECT message_id, user_id, '', 'r' FROM message_reads WHERE message_id IN (`+in+`)
		ORDER BY 1, 2, 3
	`, args...)
	if err != nil {
		return wrapSQL(err)
	}
	defer rows.Close()

	for rows.Next() {
		var msgID, userID, deviceID, kind string
		if err := rows.Scan(&msgID, &userID, &deviceID, &kind); err != nil {
			return wrapSQL(err)
		}
		m := byID[msgID]
		if kind == "d" {
			m.DeliveredTo = append(m.DeliveredTo, model.DeviceKey{UserID: userID, DeviceID: deviceID})
		} else {
			m.ReadBy = append(m.ReadBy, userID)
		}
	}
	return wrapSQL(rows.Err())
}

func (s *SQLite) EditMessage(ctx context.Context, id, content string, editedAt time.Time) (*model.Message, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, edited_at = ?, updated_at = MAX(updated_at, ?) WHERE id = ?
	`, content, micros(editedAt), micros(editedAt), id)
	if err != nil {
		return nil, wrapSQL(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.ErrMessageNotFound
	}
	return s.GetMessage(ctx, id)
}

func (s *SQLite) DeleteMessage(ctx context.Context, id string, deletedAt time.Time) (*model.Message, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET is_deleted = 1, deleted_at = ?, content = '', media_url = '', updated_at = MAX(updated_at, ?)
		WHERE id = ? AND is_deleted = 0
	`, micros(deletedAt), micros(deletedAt), id)
	if err != nil {
		return nil, wrapSQL(err)
	}
	return s.GetMessage(ctx, id)
}

func (s *SQLite) MarkDelivered(ctx context.Context, messageID, userID, deviceID string, at time.Time) (bool, error) {
	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_deliveries (message_id, user_id, device_id, delivered_at) VALUES (?, ?, ?, ?)
	`, messageID, userID, deviceID, micros(at))
	if err != nil {
		return false, wrapSQL(err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLite) MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string, at time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapSQL(err)
	}
	defer tx.Rollback()

	var newly []string
	for _, id := range messageIDs {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_reads (message_id, conversation_id, user_id, read_at)
			SELECT id, conversation_id, ?, ? FROM messages WHERE id = ? AND conversation_id = ?
		`, userID, micros(at), id, conversationID)
		if err != nil {
			return nil, wrapSQL(err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			newly = append(newly, id)
		}
	}
	return newly, wrapSQL(tx.Commit())
}

func (s *SQLite) UpsertProfile(ctx context.Context, p model.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, display_name, avatar_url, status, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE
		SET display_name = excluded.display_name, avatar_url = excluded.avatar_url,
		    status = excluded.status, updated_at = excluded.updated_at
	`, p.UserID, p.DisplayName, p.AvatarURL, p.Status, micros(p.UpdatedAt))
	return wrapSQL(err)
}

func (s *SQLite) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var p model.Profile
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, display_name, avatar_url, status, updated_at FROM profiles WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.DisplayName, &p.AvatarURL, &p.Status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapSQL(err)
	}
	p.UpdatedAt = fromMicros(updated)
	return &p, nil
}

func (s *SQLite) SaveDeviceSession(ctx context.Context, d model.DeviceSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_sessions (user_id, device_id, platform, user_agent, app_version, registered_at, last_activity_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, device_id) DO UPDATE
		SET platform = excluded.platform, user_agent = excluded.user_agent, app_version = excluded.app_version,
		    last_activity_at = excluded.last_activity_at, is_active = excluded.is_active
	`, d.UserID, d.DeviceID, d.Platform, d.UserAgent, d.AppVersion, micros(d.RegisteredAt), micros(d.LastActivityAt), d.IsActive)
	return wrapSQL(err)
}

func (s *SQLite) querySessions(ctx context.Context, query string, args ...any) ([]model.DeviceSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapSQL(err)
	}
	defer rows.Close()

	var out []model.DeviceSession
	for rows.Next() {
		var d model.DeviceSession
		var registered, last int64
		if err := rows.Scan(&d.UserID, &d.DeviceID, &d.Platform, &d.UserAgent, &d.AppVersion, &registered, &last, &d.IsActive); err != nil {
			return nil, wrapSQL(err)
		}
		d.RegisteredAt = fromMicros(registered)
		d.LastActivityAt = fromMicros(last)
		out = append(out, d)
	}
	return out, wrapSQL(rows.Err())
}

func (s *SQLite) ListDeviceSessions(ctx context.Context, userID string) ([]model.DeviceSession, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM device_sessions WHERE user_id = ? ORDER BY device_id`, userID)
}

func (s *SQLite) AllDeviceSessions(ctx context.Context) ([]model.DeviceSession, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM device_sessions`)
}

func (s *SQLite) GetCursor(ctx context.Context, userID, deviceID string) (model.SyncCursor, bool, error) {
	c := model.SyncCursor{UserID: userID, DeviceID: deviceID}
	var ts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sync_timestamp FROM sync_cursors WHERE user_id = ? AND device_id = ?
	`, userID, deviceID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return c, false, nil
	}
	if err != nil {
		return c, false, wrapSQL(err)
	}
	c.LastSyncTimestamp = fromMicros(ts)
	return c, true, nil
}

func (s *SQLite) AdvanceCursor(ctx context.Context, userID, deviceID string, ts time.Time) (model.SyncCursor, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (user_id, device_id, last_sync_timestamp) VALUES (?, ?, ?)
		ON CONFLICT (user_id, device_id) DO UPDATE
		SET last_sync_timestamp = MAX(last_sync_timestamp, excluded.last_sync_timestamp)
	`, userID, deviceID, micros(ts))
	if err != nil {
		return model.SyncCursor{}, wrapSQL(err)
	}
	c, _, err := s.GetCursor(ctx, userID, deviceID)
	return c, err
}

func (s *SQLite) ListChanges(ctx context.Context, userID string, since time.Time, limit int) ([]model.SyncItem, error) {
	return s.changes(ctx, userID, ">", since, limit)
}

func (s *SQLite) ListChangesAt(ctx context.Context, userID string, at time.Time) ([]model.SyncItem, error) {
	return s.changes(ctx, userID, "=", at, 0)
}

// changes op 只会是内部常量 ">" 或 "="
func (s *SQLite) changes(ctx context.Context, userID, op string, ts time.Time, limit int) ([]model.SyncItem, error) {
	limitClause := ""
	if limit > 0 {
		limitClause = fmt.Sprintf(" LIMIT %d", limit)
	}
	at := micros(ts)

	var convs []model.SyncItem
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.type, c.name, c.updated_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = ?
		WHERE c.updated_at `+op+` ?
		ORDER BY c.updated_at, c.id`+limitClause, userID, at)
	if err != nil {
		return nil, wrapSQL(err)
	}
	for rows.Next() {
		var c model.Conversation
		var updated int64
		if err := rows.Scan(&c.ID, &c.Type, &c.Name, &updated); err != nil {
			rows.Close()
			return nil, wrapSQL(err)
		}
		c.UpdatedAt = fromMicros(updated)
		convs = append(convs, conversationItem(c))
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM messages m
		JOIN conversation_participants p ON p.conversation_id = m.conversation_id AND p.user_id = ?
		WHERE m.updated_at `+op+` ?
		ORDER BY m.updated_at, m.id`+limitClause, userID, at)
	if err != nil {
		return nil, wrapSQL(err)
	}
	var msgs []*model.Message
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			rows.Close()
			return nil, wrapSQL(err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := s.loadSets(ctx, msgs); err != nil {
		return nil, err
	}
	msgItems := make([]model.SyncItem, 0, len(msgs))
	for _, m := range msgs {
		msgItems = append(msgItems, messageItem(m))
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT r.conversation_id, r.message_id, r.user_id, r.read_at
		FROM message_reads r
		JOIN conversation_participants p ON p.conversation_id = r.conversation_id AND p.user_id = ?
		WHERE r.read_at `+op+` ?
		ORDER BY r.read_at, r.message_id, r.user_id`+limitClause, userID, at)
	if err != nil {
		return nil, wrapSQL(err)
	}
	var reads []model.SyncItem
	for rows.Next() {
		var r model.ReadReceipt
		var readAt int64
		if err := rows.Scan(&r.ConversationID, &r.MessageID, &r.UserID, &readAt); err != nil {
			rows.Close()
			return nil, wrapSQL(err)
		}
		r.ReadAt = fromMicros(readAt)
		reads = append(reads, readItem(r))
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT pr.user_id, pr.display_name, pr.avatar_url, pr.status, pr.updated_at
		FROM profiles pr
		WHERE pr.updated_at `+op+` ?
		  AND (pr.user_id = ? OR pr.user_id IN (
		      SELECT p2.user_id FROM conversation_participants p1
		      JOIN conversation_participants p2 ON p2.conversation_id = p1.conversation_id
		      WHERE p1.user_id = ?))
		ORDER BY pr.updated_at, pr.user_id`+limitClause, at, userID, userID)
	if err != nil {
		return nil, wrapSQL(err)
	}
	var profiles []model.SyncItem
	for rows.Next() {
		var p model.Profile
		var updated int64
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.AvatarURL, &p.Status, &updated); err != nil {
			rows.Close()
			return nil, wrapSQL(err)
		}
		p.UpdatedAt = fromMicros(updated)
		profiles = append(profiles, profileItem(p))
	}
	rows.Close()

	return mergeChanges(limit, convs, msgItems, reads, profiles), nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
