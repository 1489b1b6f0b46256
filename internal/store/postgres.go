package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
)

//go:embed schema/postgres.sql
var postgresSchema string

// PostgresConfig 连接池参数
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Postgres 基于 pgx 连接池的实现
type Postgres struct {
	db *pgxpool.Pool
}

// ConnectPostgres 连接 PostgreSQL
func ConnectPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	poolConfig.MaxConnIdleTime = 10 * time.Minute
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{db: pool}, nil
}

// NewPostgres 使用已有连接池
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Migrate 建表（幂等）
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, postgresSchema)
	return wrapPG(err)
}

func wrapPG(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.ErrStorage.Wrap(err)
}

func utc(t time.Time) time.Time {
	return model.Timestamp(t)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := utc(*t)
	return &v
}

func (s *Postgres) CreateConversation(ctx context.Context, conv model.Conversation, participants []string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return wrapPG(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, type, name, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET type = EXCLUDED.type, name = EXCLUDED.name, updated_at = EXCLUDED.updated_at
	`, conv.ID, conv.Type, conv.Name, conv.UpdatedAt)
	if err != nil {
		return wrapPG(err)
	}

	batch := &pgx.Batch{}
	for _, uid := range participants {
		batch.Queue(`
			INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, conv.ID, uid, conv.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return wrapPG(err)
	}
	return wrapPG(tx.Commit(ctx))
}

func (s *Postgres) AddParticipant(ctx context.Context, conversationID, userID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		WITH ins AS (
			INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
			SELECT id, $2, $3 FROM conversations WHERE id = $1
			ON CONFLICT DO NOTHING
			RETURNING conversation_id
		)
		UPDATE conversations SET updated_at = $3 WHERE id IN (SELECT conversation_id FROM ins)
	`, conversationID, userID, at)
	if err != nil {
		return wrapPG(err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetConversation(ctx, conversationID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var c model.Conversation
	err := s.db.QueryRow(ctx, `SELECT id, type, name, updated_at FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.Type, &c.Name, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrConversationNotFound
	}
	if err != nil {
		return nil, wrapPG(err)
	}
	c.UpdatedAt = utc(c.UpdatedAt)
	return &c, nil
}

func (s *Postgres) Participants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id FROM conversation_participants WHERE conversation_id = $1 ORDER BY user_id
	`, conversationID)
	if err != nil {
		return nil, wrapPG(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrapPG(err)
	}
	if len(ids) == 0 {
		if _, err := s.GetConversation(ctx, conversationID); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (s *Postgres) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var conv, member bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1),
		       EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)
	`, conversationID, userID).Scan(&conv, &member)
	if err != nil {
		return false, wrapPG(err)
	}
	if !conv {
		return false, apperrors.ErrConversationNotFound
	}
	return member, nil
}

func (s *Postgres) Contacts(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT p2.user_id
		FROM conversation_participants p1
		JOIN conversation_participants p2 ON p2.conversation_id = p1.conversation_id
		WHERE p1.user_id = $1 AND p2.user_id <> $1
		ORDER BY p2.user_id
	`, userID)
	if err != nil {
		return nil, wrapPG(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, wrapPG(err)
}

func (s *Postgres) InsertMessage(ctx context.Context, m *model.Message) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return wrapPG(err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, type, media_url, reply_to, created_at, updated_at)
		SELECT $1, id, $3, $4, $5, $6, $7, $8, $8 FROM conversations WHERE id = $2
		ON CONFLICT (id) DO NOTHING
	`, m.ID, m.ConversationID, m.SenderID, m.Content, string(m.Type), m.MediaURL, m.ReplyTo, m.Timestamp)
	if err != nil {
		return wrapPG(err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetConversation(ctx, m.ConversationID); err != nil {
			return err
		}
		return nil
	}

	batch := &pgx.Batch{}
	for _, key := range m.DeliveredTo {
		batch.Queue(`
			INSERT INTO message_deliveries (message_id, user_id, device_id, delivered_at)
			VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING
		`, m.ID, key.UserID, key.DeviceID, m.Timestamp)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return wrapPG(err)
		}
	}
	return wrapPG(tx.Commit(ctx))
}

const messageColumns = `id, conversation_id, sender_id, content, type, media_url, reply_to, created_at, edited_at, is_deleted, deleted_at`

const messageColumnsM = `m.id, m.conversation_id, m.sender_id, m.content, m.type, m.media_url, m.reply_to, m.created_at, m.edited_at, m.is_deleted, m.deleted_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	var typ string
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &typ, &m.MediaURL, &m.ReplyTo,
		&m.Timestamp, &m.EditedAt, &m.IsDeleted, &m.DeletedAt)
	if err != nil {
		return nil, err
	}
	m.Type = model.MessageType(typ)
	m.Timestamp = utc(m.Timestamp)
	m.EditedAt = utcPtr(m.EditedAt)
	m.DeletedAt = utcPtr(m.DeletedAt)
	m.DeliveredTo = []model.DeviceKey{}
	m.ReadBy = []string{}
	return &m, nil
}

func (s *Postgres) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrMessageNotFound
	}
	if err != nil {
		return nil, wrapPG(err)
	}
	if err := s.loadSets(ctx, []*model.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

// loadSets 批量加载 deliveredTo / readBy
func (s *Postgres) loadSets(ctx context.Context, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*model.Message, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	rows, err := s.db.Query(ctx, `
		SELECT message_id, user_id, device_id, 'd' FROM message_deliveries WHERE message_id = ANY($1)
		UNION ALL
		SELECT message_id, user_id, '', 'r' FROM message_reads WHERE message_id = ANY($1)
		ORDER BY 1, 2, 3
	`, ids)
	if err != nil {
		return wrapPG(err)
	}
	defer rows.Close()

	for rows.Next() {
		var msgID, userID, deviceID, kind string
		if err := rows.Scan(&msgID, &userID, &deviceID, &kind); err != nil {
			return wrapPG(err)
		}
		m := byID[msgID]
		if kind == "d" {
			m.DeliveredTo = append(m.DeliveredTo, model.DeviceKey{UserID: userID, DeviceID: deviceID})
		} else {
			m.ReadBy = append(m.ReadBy, userID)
		}
	}
	return wrapPG(rows.Err())
}

func (s *Postgres) EditMessage(ctx context.Context, id, content string, editedAt time.Time) (*model.Message, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE messages SET content = $2, edited_at = $3, updated_at = GREATEST(updated_at, $3)
		WHERE id = $1
	`, id, content, editedAt)
	if err != nil {
		return nil, wrapPG(err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperrors.ErrMessageNotFound
	}
	return s.GetMessage(ctx, id)
}

func (s *Postgres) DeleteMessage(ctx context.Context, id string, deletedAt time.Time) (*model.Message, error) {
	_, err := s.db.Exec(ctx, `
		UPDATE messages
		SET is_deleted = TRUE, deleted_at = $2, content = '', media_url = '', updated_at = GREATEST(updated_at, $2)
		WHERE id = $1 AND NOT is_deleted
	`, id, deletedAt)
	if err != nil {
		return nil, wrapPG(err)
	}
	return s.GetMessage(ctx, id)
}

func (s *Postgres) MarkDelivered(ctx context.Context, messageID, userID, deviceID string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO message_deliveries (message_id, user_id, device_id, delivered_at)
		SELECT id, $2, $3, $4 FROM messages WHERE id = $1
		ON CONFLICT DO NOTHING
	`, messageID, userID, deviceID, at)
	if err != nil {
		return false, wrapPG(err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Postgres) MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string, at time.Time) ([]string, error) {
	batch := &pgx.Batch{}
	for _, id := range messageIDs {
		batch.Queue(`
			INSERT INTO message_reads (message_id, conversation_id, user_id, read_at)
			SELECT id, conversation_id, $3, $4 FROM messages WHERE id = $1 AND conversation_id = $2
			ON CONFLICT DO NOTHING
			RETURNING message_id
		`, id, conversationID, userID, at)
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()

	var newly []string
	for range messageIDs {
		var id string
		err := br.QueryRow().Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, wrapPG(err)
		}
		newly = append(newly, id)
	}
	return newly, nil
}

func (s *Postgres) UpsertProfile(ctx context.Context, p model.Profile) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO profiles (user_id, display_name, avatar_url, status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url,
		    status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	`, p.UserID, p.DisplayName, p.AvatarURL, p.Status, p.UpdatedAt)
	return wrapPG(err)
}

func (s *Postgres) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var p model.Profile
	err := s.db.QueryRow(ctx, `
		SELECT user_id, display_name, avatar_url, status, updated_at FROM profiles WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.DisplayName, &p.AvatarURL, &p.Status, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPG(err)
	}
	p.UpdatedAt = utc(p.UpdatedAt)
	return &p, nil
}

func (s *Postgres) SaveDeviceSession(ctx context.Context, d model.DeviceSession) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO device_sessions (user_id, device_id, platform, user_agent, app_version, registered_at, last_activity_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, device_id) DO UPDATE
		SET platform = EXCLUDED.platform, user_agent = EXCLUDED.user_agent, app_version = EXCLUDED.app_version,
		    last_activity_at = EXCLUDED.last_activity_at, is_active = EXCLUDED.is_active
	`, d.UserID, d.DeviceID, d.Platform, d.UserAgent, d.AppVersion, d.RegisteredAt, d.LastActivityAt, d.IsActive)
	return wrapPG(err)
}

const sessionColumns = `user_id, device_id, platform, user_agent, app_version, registered_at, last_activity_at, is_active`

func (s *Postgres) querySessions(ctx context.Context, query string, args ...any) ([]model.DeviceSession, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapPG(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.DeviceSession, error) {
		var d model.DeviceSession
		err := row.Scan(&d.UserID, &d.DeviceID, &d.Platform, &d.UserAgent, &d.AppVersion,
			&d.RegisteredAt, &d.LastActivityAt, &d.IsActive)
		d.RegisteredAt = utc(d.RegisteredAt)
		d.LastActivityAt = utc(d.LastActivityAt)
		return d, err
	})
	return out, wrapPG(err)
}

func (s *Postgres) ListDeviceSessions(ctx context.Context, userID string) ([]model.DeviceSession, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM device_sessions WHERE user_id = $1 ORDER BY device_id`, userID)
}

func (s *Postgres) AllDeviceSessions(ctx context.Context) ([]model.DeviceSession, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM device_sessions`)
}

func (s *Postgres) GetCursor(ctx context.Context, userID, deviceID string) (model.SyncCursor, bool, error) {
	c := model.SyncCursor{UserID: userID, DeviceID: deviceID}
	err := s.db.QueryRow(ctx, `
		SELECT last_sync_timestamp FROM sync_cursors WHERE user_id = $1 AND device_id = $2
	`, userID, deviceID).Scan(&c.LastSyncTimestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, false, nil
	}
	if err != nil {
		return c, false, wrapPG(err)
	}
	c.LastSyncTimestamp = utc(c.LastSyncTimestamp)
	return c, true, nil
}

func (s *Postgres) AdvanceCursor(ctx context.Context, userID, deviceID string, ts time.Time) (model.SyncCursor, error) {
	c := model.SyncCursor{UserID: userID, DeviceID: deviceID}
	err := s.db.QueryRow(ctx, `
		INSERT INTO sync_cursors (user_id, device_id, last_sync_timestamp)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, device_id) DO UPDATE
		SET last_sync_timestamp = GREATEST(sync_cursors.last_sync_timestamp, EXCLUDED.last_sync_timestamp)
		RETURNING last_sync_timestamp
	`, userID, deviceID, ts).Scan(&c.LastSyncTimestamp)
	c.LastSyncTimestamp = utc(c.LastSyncTimestamp)
	return c, wrapPG(err)
}

func (s *Postgres) ListChanges(ctx context.Context, userID string, since time.Time, limit int) ([]model.SyncItem, error) {
	return s.changes(ctx, userID, ">", since, limit)
}

func (s *Postgres) ListChangesAt(ctx context.Context, userID string, at time.Time) ([]model.SyncItem, error) {
	return s.changes(ctx, userID, "=", at, 0)
}

// changes op 只会是内部常量 ">" 或 "="
func (s *Postgres) changes(ctx context.Context, userID, op string, ts time.Time, limit int) ([]model.SyncItem, error) {
	limitClause := ""
	if limit > 0 {
		limitClause = fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.type, c.name, c.updated_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = $1
		WHERE c.updated_at `+op+` $2
		ORDER BY c.updated_at, c.id`+limitClause, userID, ts)
	if err != nil {
		return nil, wrapPG(err)
	}
	convs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SyncItem, error) {
		var c model.Conversation
		err := row.Scan(&c.ID, &c.Type, &c.Name, &c.UpdatedAt)
		c.UpdatedAt = utc(c.UpdatedAt)
		return conversationItem(c), err
	})
	if err != nil {
		return nil, wrapPG(err)
	}

	rows, err = s.db.Query(ctx, `
		SELECT `+messageColumnsM+`
		FROM messages m
		JOIN conversation_participants p ON p.conversation_id = m.conversation_id AND p.user_id = $1
		WHERE m.updated_at `+op+` $2
		ORDER BY m.updated_at, m.id`+limitClause, userID, ts)
	if err != nil {
		return nil, wrapPG(err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Message, error) {
		return scanMessage(row)
	})
	if err != nil {
		return nil, wrapPG(err)
	}
	if err := s.loadSets(ctx, msgs); err != nil {
		return nil, err
	}
	msgItems := make([]model.SyncItem, 0, len(msgs))
	for _, m := range msgs {
		msgItems = append(msgItems, messageItem(m))
	}

	rows, err = s.db.Query(ctx, `
		SELECT r.conversation_id, r.message_id, r.user_id, r.read_at
		FROM message_reads r
		JOIN conversation_participants p ON p.conversation_id = r.conversation_id AND p.user_id = $1
		WHERE r.read_at `+op+` $2
		ORDER BY r.read_at, r.message_id, r.user_id`+limitClause, userID, ts)
	if err != nil {
		return nil, wrapPG(err)
	}
	reads, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SyncItem, error) {
		var r model.ReadReceipt
		err := row.Scan(&r.ConversationID, &r.MessageID, &r.UserID, &r.ReadAt)
		r.ReadAt = utc(r.ReadAt)
		return readItem(r), err
	})
	if err != nil {
		return nil, wrapPG(err)
	}

	rows, err = s.db.Query(ctx, `
		SELECT pr.user_id, pr.display_name, pr.avatar_url, pr.status, pr.updated_at
		FROM profiles pr
		WHERE pr.updated_at `+op+` $2
		  AND (pr.user_id = $1 OR pr.user_id IN (
		      SELECT p2.user_id FROM conversation_participants p1
		      JOIN conversation_participants p2 ON p2.conversation_id = p1.conversation_id
		      WHERE p1.user_id = $1))
		ORDER BY pr.updated_at, pr.user_id`+limitClause, userID, ts)
	if err != nil {
		return nil, wrapPG(err)
	}
	profiles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SyncItem, error) {
		var p model.Profile
		err := row.Scan(&p.UserID, &p.DisplayName, &p.AvatarURL, &p.Status, &p.UpdatedAt)
		p.UpdatedAt = utc(p.UpdatedAt)
		return profileItem(p), err
	})
	if err != nil {
		return nil, wrapPG(err)
	}

	return mergeChanges(limit, convs, msgItems, reads, profiles), nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}
