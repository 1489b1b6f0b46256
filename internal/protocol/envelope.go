package protocol

import (
	"encoding/json"
)

// Envelope 实时通道上的统一消息信封
// Seq 仅在离线队列投递时出现，客户端据此回复 ack-queue
type Envelope struct {
	Event string          `json:"event"`
	Seq   int64           `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode 编码下行事件
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// MustEncode 编码固定结构的事件，失败即为程序错误
func MustEncode(event string, data any) []byte {
	b, err := Encode(event, data)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode 解析信封
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(frame, &env)
	return env, err
}

// WithSeq 为已编码的事件帧附加队列序号
func WithSeq(frame []byte, seq int64) ([]byte, error) {
	env, err := Decode(frame)
	if err != nil {
		return nil, err
	}
	env.Seq = seq
	return json.Marshal(env)
}
