package provider

import (
	"bufio"
	"bytes"
	"context"
	"io"
)

const sseDataPrefix = "data: "

// sseDone SSE 流结束标记，本身不是帧
var sseDone = []byte("[DONE]")

// FrameFunc 每解出一帧调用一次，返回非 nil 错误时停止解码
type FrameFunc func(frame []byte) error

// DecodeFrames 把 HTTP 响应体解码成离散帧。
// NDJSON：按 \n 切分，空行跳过，流结束时残留缓冲作为最后一帧；
// SSE：只有 "data: " 前缀的行携带帧，[DONE] 表示结束。
// 每次读取后、帧上报前检查一次 ctx，取消时返回 ctx.Err()。
func DecodeFrames(ctx context.Context, r io.Reader, framing Framing, fn FrameFunc) error {
	br := bufio.NewReader(r)

	for {
		line, err := br.ReadBytes('\n')
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		if len(line) > 0 {
			frame, ok := extractFrame(line, framing)
			if ok {
				if framing == FramingSSE && bytes.Equal(frame, sseDone) {
					return nil
				}
				if ferr := fn(frame); ferr != nil {
					return ferr
				}
			}
		}

		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// extractFrame 从一行中提取帧内容，ok 为 false 表示该行不产生帧
func extractFrame(line []byte, framing Framing) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return nil, false
	}

	switch framing {
	case FramingSSE:
		if !bytes.HasPrefix(line, []byte(sseDataPrefix)) {
			return nil, false
		}
		return bytes.TrimPrefix(line, []byte(sseDataPrefix)), true
	default:
		return line, true
	}
}
