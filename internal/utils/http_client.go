package utils

import (
	"net/http"
	"time"
)

// NewHTTPClient 普通请求用的客户端，timeout 为整个请求的硬上限
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport(),
	}
}

// NewStreamingHTTPClient 流式请求用的客户端。
// 不设整体超时，长流靠 context 取消，只限制建连和响应头阶段。
func NewStreamingHTTPClient() *http.Client {
	return &http.Client{
		Transport: defaultTransport(),
	}
}

func defaultTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
}
