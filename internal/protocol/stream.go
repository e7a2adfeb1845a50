package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	HeaderSize = 6 // 4 bytes length + 2 bytes msg type

	// 消息类型
	MsgTypeFrame uint16 = 10

	MaxFrameSize = 1 << 20
)

// WriteFrame 写入带长度前缀的帧，用于 WebTransport 流
func WriteFrame(w io.Writer, msgType uint16, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	binary.BigEndian.PutUint16(buf[4:6], msgType)
	copy(buf[HeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame 读取一个完整的帧
func ReadFrame(r io.Reader) (uint16, []byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	msgType := binary.BigEndian.Uint16(header[4:6])
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return msgType, body, nil
}
