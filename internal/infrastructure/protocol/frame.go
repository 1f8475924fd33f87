package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// DefaultMaxFrameBytes 单帧默认上限
const DefaultMaxFrameBytes = 4 << 20

const headerSize = 4

var (
	// ErrFrameTooLarge 帧长度超过上限；内容已被丢弃，流仍在帧边界上
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrEmptyFrame 长度为 0 的帧
	ErrEmptyFrame = errors.New("empty frame")
)

// WriteFrame 写入一帧：4 字节大端长度 + 内容，单次 Write 完成
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[:headerSize], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "写入帧失败")
	}
	return nil
}

// ReadFrame 读取一帧；maxBytes <= 0 时使用默认上限。
// 返回 ErrEmptyFrame / ErrFrameTooLarge 时读位置已在下一帧开头，调用方可以继续读取。
func ReadFrame(r io.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if uint64(n) > uint64(maxBytes) {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, errors.Wrap(err, "丢弃超长帧失败")
		}
		return nil, errors.Wrapf(ErrFrameTooLarge, "length=%d max=%d", n, maxBytes)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrap(err, "读取帧内容失败")
	}
	return payload, nil
}
