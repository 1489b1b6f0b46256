package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.sync/internal/auth"
	"sudooom.im.sync/internal/clock"
	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/presence"
	"sudooom.im.sync/internal/protocol"
	"sudooom.im.sync/internal/queue"
	"sudooom.im.sync/internal/registry"
	"sudooom.im.sync/internal/room"
	"sudooom.im.sync/internal/snowflake"
	"sudooom.im.sync/internal/store"
	"sudooom.im.sync/internal/syncer"
)

var handleSeq atomic.Int64

type fakeHandle struct {
	id     int64
	mu     sync.Mutex
	frames []protocol.Envelope
}

func (h *fakeHandle) ID() int64 { return h.id }

func (h *fakeHandle) Send(data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, env)
	return nil
}

func (h *fakeHandle) CloseWithCode(int, string) {}

func (h *fakeHandle) events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.frames))
	for _, f := range h.frames {
		out = append(out, f.Event)
	}
	return out
}

func (h *fakeHandle) last(event string) (protocol.Envelope, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.frames) - 1; i >= 0; i-- {
		if h.frames[i].Event == event {
			return h.frames[i], true
		}
	}
	return protocol.Envelope{}, false
}

type fixture struct {
	clock      *clock.Mock
	repo       *store.Memory
	reg        *registry.Registry
	rooms      *room.Manager
	queue      *queue.Memory
	drainer    *queue.Drainer
	typing     *presence.Typing
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewMock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	repo := store.NewMemory()
	reg := registry.New(repo, clk, logger)
	rooms := room.NewManager(repo, reg, logger)
	q := queue.NewMemory(queue.Policy{Capacity: capacity, MaxAge: 24 * time.Hour}, clk)
	drainer := queue.NewDrainer(q, reg, nil, clk, queue.DrainerConfig{}, logger)
	typing := presence.NewTyping(clk, 5*time.Second, nil)
	node := snowflake.NewNode(1)
	d := New(repo, reg, rooms, q, typing, node, clk, Config{}, logger)
	drainer.OnAcknowledged(d.Acknowledged)
	// 测试中由用例显式排空
	reg.SetDrainer(func(model.DeviceKey) {})

	ctx := context.Background()
	require.NoError(t, repo.CreateConversation(ctx, model.Conversation{ID: "c1", Type: "direct", UpdatedAt: clk.Now()}, []string{"alice", "bob"}))
	require.NoError(t, repo.CreateConversation(ctx, model.Conversation{ID: "c2", Type: "direct", UpdatedAt: clk.Now()}, []string{"bob", "carol"}))
	return &fixture{clock: clk, repo: repo, reg: reg, rooms: rooms, queue: q, drainer: drainer, typing: typing, dispatcher: d}
}

func (f *fixture) connect(t *testing.T, user, device string) *fakeHandle {
	t.Helper()
	h := &fakeHandle{id: handleSeq.Add(1)}
	_, err := f.reg.Register(context.Background(), auth.Identity{UserID: user, Verified: true}, device, "web", model.DeviceMeta{}, h)
	require.NoError(t, err)
	f.drainer.DrainNow(context.Background(), model.DeviceKey{UserID: user, DeviceID: device})
	return h
}

func (f *fixture) disconnect(user, device string, h *fakeHandle) {
	f.reg.Deregister(context.Background(), user, device, h.ID())
}

func key(user, device string) model.DeviceKey {
	return model.DeviceKey{UserID: user, DeviceID: device}
}

func TestSend_MultiDeviceAndOfflineDelivery(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	phone := f.connect(t, "alice", "a-phone")
	web := f.connect(t, "alice", "a-web")
	tablet := f.connect(t, "bob", "b-tablet")
	f.disconnect("bob", "b-tablet", tablet)

	msg, err := f.dispatcher.Send(ctx, key("alice", "a-phone"), protocol.SendMessage{
		TempID:         "tmp-1",
		ConversationID: "c1",
		Content:        "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, model.MessageTypeText, msg.Type)
	assert.ElementsMatch(t, []model.DeviceKey{key("alice", "a-phone"), key("alice", "a-web")}, msg.DeliveredTo)

	assert.NotContains(t, phone.events(), protocol.EventNewMessage, "origin device gets message-sent from the handler")
	assert.Contains(t, web.events(), protocol.EventNewMessage)

	n, err := f.queue.Count(ctx, key("bob", "b-tablet"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// bob 重新上线：排空、确认后标记送达并通知 alice 的设备
	tablet2 := f.connect(t, "bob", "b-tablet")
	env, ok := tablet2.last(protocol.EventNewMessage)
	require.True(t, ok)
	assert.NotZero(t, env.Seq)

	var payload protocol.NewMessage
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, msg.ID, payload.Message.ID)
	assert.Equal(t, "hello", payload.Message.Content)

	_, err = f.drainer.Acknowledge(ctx, key("bob", "b-tablet"), env.Seq)
	require.NoError(t, err)

	stored, err := f.repo.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.DeliveredTo, key("bob", "b-tablet"))
	assert.Contains(t, phone.events(), protocol.EventMessageDelivered)
	assert.Contains(t, web.events(), protocol.EventMessageDelivered)

	n, err = f.queue.Count(ctx, key("bob", "b-tablet"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSend_LiveRecipientMarkedDelivered(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	phone := f.connect(t, "alice", "a-phone")
	bob := f.connect(t, "bob", "b-phone")
	require.NoError(t, f.rooms.Join(ctx, key("bob", "b-phone"), "c1"))

	msg, err := f.dispatcher.Send(ctx, key("alice", "a-phone"), protocol.SendMessage{ConversationID: "c1", Content: "hi"})
	require.NoError(t, err)

	assert.Equal(t, []string{protocol.EventNewMessage}, bob.events())
	assert.Contains(t, msg.DeliveredTo, key("bob", "b-phone"))

	env, ok := phone.last(protocol.EventMessageDelivered)
	require.True(t, ok)
	var delivered protocol.MessageDelivered
	require.NoError(t, json.Unmarshal(env.Data, &delivered))
	assert.Equal(t, msg.ID, delivered.MessageID)
	assert.Equal(t, "bob", delivered.UserID)
	assert.Equal(t, "b-phone", delivered.DeviceID)
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	f.connect(t, "alice", "a-phone")

	tests := []struct {
		name string
		req  protocol.SendMessage
		want *apperrors.AppError
	}{
		{"empty content", protocol.SendMessage{ConversationID: "c1", Content: "  "}, apperrors.ErrEmptyMessage},
		{"relative media url", protocol.SendMessage{ConversationID: "c1", Type: model.MessageTypeImage, MediaURL: "/img.png"}, apperrors.ErrInvalidMedia},
		{"non http media url", protocol.SendMessage{ConversationID: "c1", Type: model.MessageTypeFile, MediaURL: "ftp://host/file"}, apperrors.ErrInvalidMedia},
		{"media without url", protocol.SendMessage{ConversationID: "c1", Type: model.MessageTypeImage, Content: "pic"}, apperrors.ErrInvalidMedia},
		{"unknown type", protocol.SendMessage{ConversationID: "c1", Type: "sticker", Content: "x"}, apperrors.ErrInvalidParams},
		{"not a participant", protocol.SendMessage{ConversationID: "c2", Content: "x"}, apperrors.ErrNotParticipant},
		{"unknown conversation", protocol.SendMessage{ConversationID: "nope", Content: "x"}, apperrors.ErrConversationNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.dispatcher.Send(ctx, key("alice", "a-phone"), tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, tt.want), "got %v", err)
		})
	}

	msg, err := f.dispatcher.Send(ctx, key("alice", "a-phone"), protocol.SendMessage{
		ConversationID: "c1",
		Type:           model.MessageTypeImage,
		MediaURL:       "https://cdn.example.com/a.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.png", msg.MediaURL)
}

func messageIDs(items []model.SyncItem) []string {
	var out []string
	for _, it := range items {
		if it.Kind == model.SyncMessage {
			out = append(out, it.Message.ID)
		}
	}
	return out
}

func (f *fixture) syncer() *syncer.Coordinator {
	return syncer.New(f.repo, f.clock, syncer.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSend_QueueCapacityEvictsOldest(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.connect(t, "alice", "a-phone")
	tablet := f.connect(t, "bob", "b-tablet")
	f.disconnect("bob", "b-tablet", tablet)

	var ids []string
	for i := 0; i < 7; i++ {
		f.clock.Advance(time.Second)
		msg, err := f.dispatcher.Send(ctx, key("alice", "a-phone"), protocol.SendMessage{ConversationID: "c1", Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	entries, err := f.queue.Drain(ctx, key("bob", "b-tablet"), 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, ids[2], entries[0].MessageID)
	assert.Equal(t, ids[6], entries[4].MessageID)

	// 重新上线：排空并确认保留的 5 条
	tablet = f.connect(t, "bob", "b-tablet")
	var drained []string
	tablet.mu.Lock()
	for _, env := range tablet.frames {
		if env.Event != protocol.EventNewMessage {
			continue
		}
		var payload protocol.NewMessage
		require.NoError(t, json.Unmarshal(env.Data, &payload))
		drained = append(drained, payload.Message.ID)
	}
	tablet.mu.Unlock()
	assert.Equal(t, ids[2:], drained)

	env, ok := tablet.last(protocol.EventNewMessage)
	require.True(t, ok)
	_, err = f.drainer.Acknowledge(ctx, key("bob", "b-tablet"), env.Seq)
	require.NoError(t, err)

	// 同步只补回被淘汰的 2 条，与排空结果不重叠
	coord := f.syncer()
	res, err := coord.Sync(ctx, "bob", "b-tablet", nil, 100)
	require.NoError(t, err)
	assert.Equal(t, ids[:2], messageIDs(res.Items))
	assert.False(t, res.HasMore)

	_, err = coord.Commit(ctx, "bob", "b-tablet", res.SyncTimestamp)
	require.NoError(t, err)
	res, err = coord.Sync(ctx, "bob", "b-tablet", nil, 100)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestSend_EvictedMessageSyncedWhenDeviceIDShared(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.connect(t, "alice", "phone")
	bobPhone := f.connect(t, "bob", "phone")
	f.disconnect("bob", "phone", bobPhone)

	var ids []string
	for i := 0; i < 2; i++ {
		f.clock.Advance(time.Second)
		msg, err := f.dispatcher.Send(ctx, key("alice", "phone"), protocol.SendMessage{ConversationID: "c1", Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		assert.Equal(t, []model.DeviceKey{key("alice", "phone")}, msg.DeliveredTo)
		ids = append(ids, msg.ID)
	}

	entries, err := f.queue.Drain(ctx, key("bob", "phone"), 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ids[1], entries[0].MessageID)

	// alice 的 phone 已送达不代表 bob 的 phone 已送达
	res, err := f.syncer().Sync(ctx, "bob", "phone", nil, 100)
	require.NoError(t, err)
	assert.Equal(t, ids, messageIDs(res.Items))

	res, err = f.syncer().Sync(ctx, "alice", "phone", nil, 100)
	require.NoError(t, err)
	assert.Empty(t, messageIDs(res.Items))
}

func TestSend_LiveMessageDuringDrainIsQueuedInOrder(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	f.connect(t, "alice", "a-phone")
	tablet := f.connect(t, "bob", "b-tablet")
	f.disconnect("bob", "b-tablet", tablet)

	first, err := f.dispatcher.Send(ctx, key("alice", "a-phone"), protocol.SendMessage{ConversationID: "c1", Content: "queued"})
	require.NoError(t, err)

	// 注册后尚未排空，此时的实时消息必须排在队列之后
	h := &fakeHandle{id: handleSeq.Add(1)}
	_, err = f.reg.Register(ctx, auth.Identity{UserID: "bob", Verified: true}, "b-tablet", "ios", model.DeviceMeta{}, h)
	require.NoError(t, err)
	second, err := f.dispatcher.Send(ctx, key("alice", "a-phone"), protocol.SendMessage{ConversationID: "c1", Content: "live"})
	require.NoError(t, err)
	assert.Empty(t, h.events())

	f.drainer.DrainNow(ctx, key("bob", "b-tablet"))

	h.mu.Lock()
	frames := append([]protocol.Envelope(nil), h.frames...)
	h.mu.Unlock()
	require.Len(t, frames, 2)
	var a, b protocol.NewMessage
	require.NoError(t, json.Unmarshal(frames[0].Data, &a))
	require.NoError(t, json.Unmarshal(frames[1].Data, &b))
	assert.Equal(t, first.ID, a.Message.ID)
	assert.Equal(t, second.ID, b.Message.ID)
	assert.Less(t, frames[0].Seq, frames[1].Seq)
}

func TestEditAndDelete(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	phone := f.connect(t, "alice", "a-phone")
	bob := f.connect(t, "bob", "b-phone")

	msg, err := f.dispatcher.Send(ctx, key("alice", "a-phone"), protocol.SendMessage{ConversationID: "c1", Content: "helo"})
	require.NoError(t, err)

	_, err = f.dispatcher.Edit(ctx, key("bob", "b-phone"), protocol.EditMessage{MessageID: msg.ID, Content: "hijack"})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAuthor))

	f.clock.Advance(time.Second)
	edited, err := f.dispatcher.Edit(ctx, key("alice", "a-phone"), protocol.EditMessage{MessageID: msg.ID, Content: "hello"})
	require.NoError(t, err)
	require.NotNil(t, edited.EditedAt)
	assert.Equal(t, "hello", edited.Content)
	assert.Contains(t, bob.events(), protocol.EventMessageEdited)
	assert.Contains(t, phone.events(), protocol.EventMessageEdited)

	f.clock.Advance(time.Second)
	deleted, err := f.dispatcher.Delete(ctx, key("alice", "a-phone"), protocol.DeleteMessage{MessageID: msg.ID})
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)

	env, ok := bob.last(protocol.EventMessageDeleted)
	require.True(t, ok)
	var payload protocol.MessageDeleted
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, msg.ID, payload.MessageID)
	assert.True(t, deleted.DeletedAt.Equal(payload.DeletedAt))

	_, err = f.dispatcher.Edit(ctx, key("alice", "a-phone"), protocol.EditMessage{MessageID: msg.ID, Content: "again"})
	assert.True(t, apperrors.Is(err, apperrors.ErrMessageNotFound))
}

func TestMarkRead_IdempotentAndMultiDevice(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	alice := f.connect(t, "alice", "a-phone")
	bobPhone := f.connect(t, "bob", "b-phone")
	bobWeb := f.connect(t, "bob", "b-web")

	msg, err := f.dispatcher.Send(ctx, key("alice", "a-phone"), protocol.SendMessage{ConversationID: "c1", Content: "hello"})
	require.NoError(t, err)

	newly, err := f.dispatcher.MarkRead(ctx, key("bob", "b-phone"), protocol.MarkAsRead{ConversationID: "c1", MessageIDs: []string{msg.ID}})
	require.NoError(t, err)
	assert.Equal(t, []string{msg.ID}, newly)
	assert.Contains(t, alice.events(), protocol.EventMessagesRead)
	assert.Contains(t, bobWeb.events(), protocol.EventMessagesRead)
	assert.NotContains(t, bobPhone.events(), protocol.EventMessagesRead)

	before := len(alice.events())
	newly, err = f.dispatcher.MarkRead(ctx, key("bob", "b-web"), protocol.MarkAsRead{ConversationID: "c1", MessageIDs: []string{msg.ID}})
	require.NoError(t, err)
	assert.Empty(t, newly)
	assert.Len(t, alice.events(), before)
}

func TestMarkRead_QueuedWithDedupKey(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	phone := f.connect(t, "alice", "a-phone")
	f.connect(t, "bob", "b-phone")
	f.disconnect("alice", "a-phone", phone)

	msg, err := f.dispatcher.Send(ctx, key("bob", "b-phone"), protocol.SendMessage{ConversationID: "c1", Content: "hey"})
	require.NoError(t, err)
	_, err = f.dispatcher.MarkRead(ctx, key("bob", "b-phone"), protocol.MarkAsRead{ConversationID: "c1", MessageIDs: []string{msg.ID}})
	require.NoError(t, err)

	entries, err := f.queue.Drain(ctx, key("alice", "a-phone"), 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.KindMessage, entries[0].Kind)
	assert.Equal(t, model.KindReadReceipt, entries[1].Kind)
	assert.Equal(t, "read:c1:bob:"+msg.ID, entries[1].DedupKey)
}

func TestTyping_LiveOnlyWithExpiry(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	f.connect(t, "alice", "a-phone")
	bob := f.connect(t, "bob", "b-phone")
	tablet := f.connect(t, "bob", "b-tablet")
	f.disconnect("bob", "b-tablet", tablet)
	require.NoError(t, f.rooms.Join(ctx, key("alice", "a-phone"), "c1"))
	require.NoError(t, f.rooms.Join(ctx, key("bob", "b-phone"), "c1"))

	require.NoError(t, f.dispatcher.Typing(ctx, key("alice", "a-phone"), "c1", true))
	env, ok := bob.last(protocol.EventUserTyping)
	require.True(t, ok)
	var typing protocol.UserTyping
	require.NoError(t, json.Unmarshal(env.Data, &typing))
	assert.True(t, typing.IsTyping)

	f.clock.Advance(6 * time.Second)
	env, _ = bob.last(protocol.EventUserTyping)
	require.NoError(t, json.Unmarshal(env.Data, &typing))
	assert.False(t, typing.IsTyping, "expired typing broadcasts stop")

	n, err := f.queue.Count(ctx, key("bob", "b-tablet"))
	require.NoError(t, err)
	assert.Zero(t, n, "typing is never queued")

	err = f.dispatcher.Typing(ctx, key("alice", "a-phone"), "c2", true)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotParticipant))
}

func TestPresenceChanged(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	bob := f.connect(t, "bob", "b-phone")
	carolH := f.connect(t, "carol", "c-phone")
	f.disconnect("carol", "c-phone", carolH)

	f.dispatcher.PresenceChanged(model.PresenceState{UserID: "alice", IsOnline: true})
	assert.Contains(t, bob.events(), protocol.EventUserOnline)

	f.dispatcher.PresenceChanged(model.PresenceState{UserID: "bob", IsOnline: false, LastSeen: f.clock.Now()})
	n, err := f.queue.Count(ctx, key("carol", "c-phone"))
	require.NoError(t, err)
	assert.Zero(t, n, "presence is live only by default")

	f.dispatcher.cfg.EnqueuePresence = true
	f.dispatcher.PresenceChanged(model.PresenceState{UserID: "bob", IsOnline: false, LastSeen: f.clock.Now()})
	entries, err := f.queue.Drain(ctx, key("carol", "c-phone"), 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.KindPresence, entries[0].Kind)
}

func TestProfileUpdated(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	bobWeb := f.connect(t, "bob", "b-web")
	alice := f.connect(t, "alice", "a-phone")
	carol := f.connect(t, "carol", "c-phone")
	f.disconnect("carol", "c-phone", carol)

	report, err := f.dispatcher.ProfileUpdated(ctx, model.Profile{UserID: "bob", DisplayName: "Bobby"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.DeviceKey{key("bob", "b-web"), key("alice", "a-phone")}, report.Delivered)
	assert.Equal(t, []model.DeviceKey{key("carol", "c-phone")}, report.Queued)
	assert.Contains(t, bobWeb.events(), protocol.EventProfileUpdated)
	assert.Contains(t, alice.events(), protocol.EventProfileUpdated)

	p, err := f.repo.GetProfile(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Bobby", p.DisplayName)
}

type stubRelay struct {
	remote map[model.DeviceKey]bool
	got    []model.QueueEntry
}

func (r *stubRelay) Forward(_ context.Context, e model.QueueEntry, _ bool) (bool, error) {
	if !r.remote[e.Key()] {
		return false, nil
	}
	r.got = append(r.got, e)
	return true, nil
}

func TestSend_ForwardsToPeerNode(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	f.connect(t, "alice", "a-phone")
	relay := &stubRelay{remote: map[model.DeviceKey]bool{key("bob", "b-remote"): true}}
	f.dispatcher.SetRelay(relay)
	require.NoError(t, f.repo.SaveDeviceSession(ctx, model.DeviceSession{UserID: "bob", DeviceID: "b-remote", IsActive: true}))
	require.NoError(t, f.repo.SaveDeviceSession(ctx, model.DeviceSession{UserID: "bob", DeviceID: "b-offline"}))

	msg, err := f.dispatcher.Send(ctx, key("alice", "a-phone"), protocol.SendMessage{ConversationID: "c1", Content: "hi"})
	require.NoError(t, err)

	require.Len(t, relay.got, 1)
	assert.Equal(t, msg.ID, relay.got[0].MessageID)
	assert.Equal(t, "msg:"+msg.ID, relay.got[0].DedupKey)

	n, err := f.queue.Count(ctx, key("bob", "b-offline"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = f.queue.Count(ctx, key("bob", "b-remote"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeliverForwarded(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	f.connect(t, "alice", "a-phone")
	bob := f.connect(t, "bob", "b-phone")

	msg, err := f.dispatcher.Send(ctx, key("alice", "a-phone"), protocol.SendMessage{ConversationID: "c1", Content: "x"})
	require.NoError(t, err)

	// 模拟另一个节点发生的投递：同一设备再投递一次不会重复记录送达
	e := model.QueueEntry{
		TargetUserID:   "bob",
		TargetDeviceID: "b-phone",
		Kind:           model.KindMessage,
		Payload:        protocol.MustEncode(protocol.EventNewMessage, protocol.NewMessage{Message: msg}),
		MessageID:      msg.ID,
	}
	f.dispatcher.DeliverForwarded(ctx, e, true)
	assert.Len(t, bob.events(), 2)

	e.TargetDeviceID = "b-offline"
	f.dispatcher.DeliverForwarded(ctx, e, true)
	n, err := f.queue.Count(ctx, key("bob", "b-offline"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSend_SameDeviceIDAcrossUsers(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	alicePhone := f.connect(t, "alice", "phone")
	bobPhone := f.connect(t, "bob", "phone")
	require.NoError(t, f.rooms.Join(ctx, key("bob", "phone"), "c1"))

	_, err := f.dispatcher.Send(ctx, key("alice", "phone"), protocol.SendMessage{ConversationID: "c1", Content: "hi"})
	require.NoError(t, err)

	assert.Contains(t, bobPhone.events(), protocol.EventNewMessage)
	assert.NotContains(t, alicePhone.events(), protocol.EventNewMessage)
}
