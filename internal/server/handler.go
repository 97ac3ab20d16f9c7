package server

import (
	"io"
	"net/http"

	"rabbitmq-logsink/internal/config"
	"rabbitmq-logsink/internal/metrics"
	"rabbitmq-logsink/internal/worker"

	json "github.com/goccy/go-json"
)

// StateSource 는 현재 연결 상태를 알려준다. worker.Manager 가 구현한다.
type StateSource interface {
	State() worker.State
}

type Handler struct {
	cfg     config.Config
	metrics *metrics.Metrics
	state   StateSource
}

func NewHandler(cfg config.Config, m *metrics.Metrics, s StateSource) *Handler {
	return &Handler{
		cfg:     cfg,
		metrics: m,
		state:   s,
	}
}

// Routes 는 /metrics, /health 를 등록한 mux 를 돌려준다.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", h.HandleMetrics)
	mux.HandleFunc("/health", h.HandleHealth)
	return mux
}

// HandleMetrics
//
// 카운터 값을 key=value 텍스트로 출력한다.
func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
}

type healthResponse struct {
	State    string `json:"state"`
	Exchange string `json:"exchange"`
	Queue    string `json:"queue"`
	Instance string `json:"instance"`
}

// HandleHealth
//
// 구독 중(Blocked)이면 200, 재접속 중이면 503.
// 프로세스 자체는 재접속 루프로 계속 살아있으므로 liveness 가 아니라 readiness 용도.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	st := h.state.State()

	body, err := json.Marshal(healthResponse{
		State:    st.String(),
		Exchange: h.cfg.Exchange,
		Queue:    h.cfg.Queue,
		Instance: h.cfg.InstanceID,
	})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if st == worker.Blocked {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write(body)
}
