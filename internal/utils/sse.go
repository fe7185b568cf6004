package utils

import (
	"fmt"
	"net/http"
)

// SSEWriter 按 text/event-stream 协议往响应里写事件，每次写入后立即 flush
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

func (s *SSEWriter) Write(event, data string) error {
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}

	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Close 发送结束哨兵，前端据此关闭 EventSource
func (s *SSEWriter) Close() error {
	return s.Write("", "[DONE]")
}
