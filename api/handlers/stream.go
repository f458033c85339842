package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/audit/query"
)

// =============================================================================
// 📡 实时流 Handler
// =============================================================================

// handleStream GET /v1/audit/stream (WebSocket)
// 链提交后的事件实时推送；慢消费者由总线断开。
func (h *AuditHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	principal := h.authorize(w, r, query.CapRead, query.ClassStream)
	if principal == nil {
		return
	}

	org := r.URL.Query().Get("organization_id")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	sub := h.bus.Subscribe(org)
	defer sub.Cancel()

	h.logger.Info("stream subscriber connected",
		zap.String("principal", principal.ID),
		zap.String("organization", org),
	)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client gone")
			return

		case event, ok := <-sub.C:
			if !ok {
				// Bus disconnected us (slow consumer).
				conn.Close(websocket.StatusPolicyViolation, "subscriber buffer overflow")
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				h.logger.Debug("stream write failed, dropping subscriber", zap.Error(err))
				return
			}
		}
	}
}
