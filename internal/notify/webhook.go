// Package notify 负责向外部 webhook 投递通知：通知节点的消息
// 与工作流终态失败的告警都经由这里发出。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	xerrors "github.com/copilfi/copil/internal/errors"
	"github.com/copilfi/copil/pkg/logger"
)

// Notifier 抽象一次通知投递。
type Notifier interface {
	Send(ctx context.Context, url, message string, payload map[string]any) error
}

// WebhookNotifier 以 Discord 兼容的 {"content": ...} 形式 POST 消息，
// 附带的结构化字段放在 embeds 元数据里。
type WebhookNotifier struct {
	client *http.Client
	log    *slog.Logger
}

// NewWebhookNotifier 创建 WebhookNotifier。
func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
		log:    logger.Named("notify"),
	}
}

// Send 实现 Notifier。
func (n *WebhookNotifier) Send(ctx context.Context, url, message string, payload map[string]any) error {
	if url == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "webhook url 不能为空")
	}

	body := map[string]any{"content": message}
	if len(payload) > 0 {
		body["metadata"] = payload
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码通知内容失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeProviderFailure, err, "构建通知请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeProviderFailure, err, "发送通知失败")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xerrors.New(xerrors.CodeProviderFailure,
			fmt.Sprintf("webhook 返回 %d", resp.StatusCode))
	}

	n.log.Debug("notification delivered", "url", url)
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)
