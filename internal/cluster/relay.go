package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"sudooom.im.sync/internal/dispatcher"
	"sudooom.im.sync/internal/model"
)

const (
	// SubjectProfileUpdated 资料变更入口，由资料服务发布
	SubjectProfileUpdated = "im.sync.profile.updated"

	profileQueueGroup = "im.sync.profile"
	handleTimeout     = 5 * time.Second
)

// BuildDeliverSubject 节点投递主题
func BuildDeliverSubject(nodeID string) string {
	return "im.sync.node." + nodeID + ".deliver"
}

// Directory 设备定位查询
type Directory interface {
	Locate(ctx context.Context, key model.DeviceKey) (Location, bool, error)
}

// Deliverer 本节点的投递入口
type Deliverer interface {
	DeliverForwarded(ctx context.Context, e model.QueueEntry, queueable bool)
	ProfileUpdated(ctx context.Context, profile model.Profile) (dispatcher.Report, error)
}

// Publisher NATS 发布接口
type Publisher interface {
	Publish(subject string, data []byte) error
}

// forward 节点间转交的投递
type forward struct {
	Origin    string           `json:"origin"`
	Queueable bool             `json:"queueable"`
	Entry     model.QueueEntry `json:"entry"`
}

// Relay 基于 NATS 的跨节点投递
// 每个节点订阅自己的投递主题；目标设备在其他节点在线时，发布到该节点主题
type Relay struct {
	nc        *nats.Conn
	pub       Publisher
	nodeID    string
	directory Directory
	deliverer Deliverer
	logger    *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewRelay nc 为 nil 时只能发布（用于测试注入 Publisher）
func NewRelay(nc *nats.Conn, nodeID string, directory Directory, deliverer Deliverer, logger *slog.Logger) *Relay {
	r := &Relay{
		nc:        nc,
		nodeID:    nodeID,
		directory: directory,
		deliverer: deliverer,
		logger:    logger.With("component", "relay", "node_id", nodeID),
	}
	if nc != nil {
		r.pub = nc
	}
	return r
}

// WithPublisher 替换发布端
func (r *Relay) WithPublisher(p Publisher) *Relay {
	r.pub = p
	return r
}

// Start 订阅本节点投递主题与资料变更主题
func (r *Relay) Start() error {
	if r.nc == nil {
		return fmt.Errorf("relay has no nats connection")
	}
	deliverSub, err := r.nc.Subscribe(BuildDeliverSubject(r.nodeID), func(msg *nats.Msg) {
		r.handleForward(msg.Data)
	})
	if err != nil {
		return err
	}
	profileSub, err := r.nc.QueueSubscribe(SubjectProfileUpdated, profileQueueGroup, func(msg *nats.Msg) {
		r.handleProfile(msg.Data)
	})
	if err != nil {
		_ = deliverSub.Unsubscribe()
		return err
	}

	r.mu.Lock()
	r.subs = append(r.subs, deliverSub, profileSub)
	r.mu.Unlock()

	r.logger.Info("Relay subscribed",
		"deliver_subject", deliverSub.Subject,
		"profile_subject", SubjectProfileUpdated)
	return nil
}

// Stop 取消订阅
func (r *Relay) Stop() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Debug("Unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
}

// Forward 设备在其他节点在线时转交该节点，否则返回 false 由调用方入队
func (r *Relay) Forward(ctx context.Context, e model.QueueEntry, queueable bool) (bool, error) {
	loc, found, err := r.directory.Locate(ctx, e.Key())
	if err != nil {
		return false, err
	}
	if !found || loc.NodeID == r.nodeID {
		return false, nil
	}

	data, err := json.Marshal(forward{Origin: r.nodeID, Queueable: queueable, Entry: e})
	if err != nil {
		return false, err
	}
	if err := r.pub.Publish(BuildDeliverSubject(loc.NodeID), data); err != nil {
		return false, err
	}
	r.logger.Debug("Delivery forwarded",
		"user_id", e.TargetUserID,
		"device_id", e.TargetDeviceID,
		"kind", e.Kind,
		"target_node", loc.NodeID)
	return true, nil
}

func (r *Relay) handleForward(data []byte) {
	var f forward
	if err := json.Unmarshal(data, &f); err != nil {
		r.logger.Warn("Malformed forwarded delivery", "error", err)
		return
	}
	if f.Entry.TargetUserID == "" || f.Entry.TargetDeviceID == "" {
		r.logger.Warn("Forwarded delivery without target", "origin", f.Origin)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	r.deliverer.DeliverForwarded(ctx, f.Entry, f.Queueable)
}

func (r *Relay) handleProfile(data []byte) {
	var profile model.Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		r.logger.Warn("Malformed profile update", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	report, err := r.deliverer.ProfileUpdated(ctx, profile)
	if err != nil {
		r.logger.Warn("Failed to apply profile update",
			"user_id", profile.UserID,
			"error", err)
		return
	}
	r.logger.Debug("Profile update fanned out",
		"user_id", profile.UserID,
		"delivered", len(report.Delivered),
		"forwarded", len(report.Forwarded),
		"queued", len(report.Queued))
}

// PublishProfile 发布资料变更
func PublishProfile(p Publisher, profile model.Profile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return p.Publish(SubjectProfileUpdated, data)
}
