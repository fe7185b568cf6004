package provider

import (
	"context"
	"errors"
	"io"
	"net/http"

	"ia-backend/internal/model"
	"ia-backend/pkg/logger"
)

// errProviderReported 内部哨兵：帧内出现提供商错误对象，终止剩余流
var errProviderReported = errors.New("provider reported error")

// Client 把 Adapter 和 HTTP 客户端组合成 Streamer。
// 一次 Stream 调用对应一次 HTTP 交换，事件按帧到达顺序发送，发完关闭通道。
type Client struct {
	adapter Adapter
	http    *http.Client
}

func NewClient(adapter Adapter, httpClient *http.Client) *Client {
	return &Client{
		adapter: adapter,
		http:    httpClient,
	}
}

func (c *Client) Name() string {
	return c.adapter.Name()
}

func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	return c.adapter.ListModels(ctx)
}

func (c *Client) Stream(ctx context.Context, history []model.Message, settings model.ChatSettings) <-chan model.StreamEvent {
	events := make(chan model.StreamEvent, 64)

	go func() {
		defer close(events)
		c.run(ctx, history, settings, events)
	}()

	return events
}

func (c *Client) run(ctx context.Context, history []model.Message, settings model.ChatSettings, events chan<- model.StreamEvent) {
	// 消费方总是读到通道关闭为止，直接发送不会卡死。
	// 取消后的收尾事件也必须送达，不能因 ctx 结束而丢弃。
	emit := func(ev model.StreamEvent) {
		events <- ev
	}

	req, err := c.adapter.BuildRequest(ctx, history, settings)
	if err != nil {
		emit(model.StreamEvent{Type: model.EventError, Message: err.Error()})
		return
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// 用户主动取消不算错误，保留已写入的部分内容
			emit(model.StreamEvent{Type: model.EventComplete, Reason: model.ReasonCancelled})
			return
		}
		emit(model.StreamEvent{Type: model.EventError, Message: err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		perr := &ProviderError{
			Provider: c.adapter.Name(),
			Status:   resp.StatusCode,
			Message:  extractErrorMessage(body),
		}
		emit(model.StreamEvent{Type: model.EventError, Message: perr.Error()})
		return
	}

	seenURLs := make(map[string]bool)
	completed := false

	err = DecodeFrames(ctx, resp.Body, c.adapter.Framing(), func(frame []byte) error {
		evs, perr := c.adapter.ParseFrame(frame)
		if perr != nil {
			// 单帧解码失败跳过，流继续
			logger.Debugf("跳过无法解析的帧: %v", perr)
			return nil
		}

		for _, ev := range evs {
			switch ev.Type {
			case model.EventSources:
				ev.Sources = dedupSources(ev.Sources, seenURLs)
				if len(ev.Sources) == 0 {
					continue
				}
			case model.EventComplete:
				completed = true
			case model.EventError:
				emit(ev)
				return errProviderReported
			}
			emit(ev)
		}
		return nil
	})

	switch {
	case err == nil:
		if !completed {
			// 上游没有显式完成信号时补发一个
			emit(model.StreamEvent{Type: model.EventComplete, Reason: model.ReasonNormal})
		}
	case errors.Is(err, errProviderReported):
		// 错误事件已发出
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		emit(model.StreamEvent{Type: model.EventComplete, Reason: model.ReasonCancelled})
	default:
		emit(model.StreamEvent{Type: model.EventError, Message: err.Error()})
	}
}

// dedupSources 按 URL 去重，保留先出现的标题，跨帧累计
func dedupSources(sources []model.WebSource, seen map[string]bool) []model.WebSource {
	result := make([]model.WebSource, 0, len(sources))
	for _, s := range sources {
		if s.URL == "" || seen[s.URL] {
			continue
		}
		seen[s.URL] = true
		result = append(result, s)
	}
	return result
}
