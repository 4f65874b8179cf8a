package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"trade-router/internal/journal"
	"trade-router/internal/router"
)

// startStatusServer 暴露路由器状态与手动切换入口。
// GET  /healthz  存活探针
// GET  /status   路由器状态快照
// GET  /history  内存中的切换事件历史
// GET  /events   持久化事件检索，支持 type 与 limit 参数
// POST /failover 手动切换，参数 target 必填，force 可选
func startStatusServer(ctx context.Context, rt *router.Router, svc *journal.Service, listen string, logger *zap.Logger) {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
			"state":  string(rt.Status().State),
		}); err != nil {
			logger.Warn("写入存活探针响应失败", zap.Error(err))
		}
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rt.Status()); err != nil {
			logger.Warn("写入状态响应失败", zap.Error(err))
		}
	})

	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rt.History()); err != nil {
			logger.Warn("写入历史响应失败", zap.Error(err))
		}
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 200
		if qs := q.Get("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > 1000 {
					v = 1000
				}
				limit = v
			}
		}

		eventType := journal.EventType("")
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			eventType = journal.EventType(strings.ToLower(typ))
		}

		events, err := svc.ListEvents(r.Context(), eventType, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(events); err != nil {
			logger.Warn("写入事件响应失败", zap.Error(err))
		}
	})

	mux.HandleFunc("/failover", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		target := q.Get("target")
		force := false
		if qs := q.Get("force"); qs != "" {
			if v, err := strconv.ParseBool(qs); err == nil {
				force = v
			}
		}

		if err := rt.ManualFailover(r.Context(), target, force); err != nil {
			status := http.StatusInternalServerError
			var validationErr *router.ValidationError
			switch {
			case errors.As(err, &validationErr):
				status = http.StatusBadRequest
			case errors.Is(err, router.ErrSwitchInProgress):
				status = http.StatusConflict
			case errors.Is(err, router.ErrNoHealthyBackend):
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rt.Status()); err != nil {
			logger.Warn("写入切换响应失败", zap.Error(err))
		}
	})

	srv := &http.Server{Addr: listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭状态服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("状态服务异常", zap.Error(err))
		}
	}()

	logger.Info("状态接口已启动", zap.String("addr", listen))
}
