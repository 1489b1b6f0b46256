package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// 帧头大小：4 bytes length + 1 byte frame type
	FrameHeaderSize = 5

	// FrameTypeEnvelope JSON 信封帧
	FrameTypeEnvelope byte = 1

	// MaxFrameSize 单帧上限
	MaxFrameSize = 1 << 20
)

// ReadFrame 从流中读取一帧（WebTransport 流使用）
func ReadFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return header[4], body, nil
}

// WriteFrame 写入带帧头的数据
func WriteFrame(w io.Writer, frameType byte, body []byte) error {
	buf := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	buf[4] = frameType
	copy(buf[FrameHeaderSize:], body)
	_, err := w.Write(buf)
	return err
}
