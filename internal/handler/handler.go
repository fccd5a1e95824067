package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/finsync/internal/handler/config"
	"github.com/iurnickita/finsync/internal/logger"
	"github.com/iurnickita/finsync/internal/model"
	"github.com/iurnickita/finsync/internal/service"
	"github.com/iurnickita/finsync/internal/service/gatewayclient"
	"github.com/iurnickita/finsync/internal/situacao"
	"github.com/iurnickita/finsync/internal/token"
)

// Serve слушает до отмены ctx, затем завершает активные запросы.
func Serve(ctx context.Context, cfg config.Config, service service.Service, situacao situacao.Situacao, zaplog *zap.Logger) error {
	h := newHandler(service, situacao, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zaplog.Error("server shutdown", zap.Error(err))
		}
	}()

	zaplog.Info("server started", zap.String("addr", cfg.ServerAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handler struct {
	service  service.Service
	situacao situacao.Situacao
	zaplog   *zap.Logger
}

func newHandler(service service.Service, situacao situacao.Situacao, zaplog *zap.Logger) *handler {
	return &handler{
		service:  service,
		situacao: situacao,
		zaplog:   zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", logger.RequestLogMdlw(h.GetHealth, h.zaplog))
	mux.HandleFunc("POST /api/sync", logger.RequestLogMdlw(h.PostSync, h.zaplog))
	mux.HandleFunc("GET /api/sync", logger.RequestLogMdlw(h.GetSync, h.zaplog))
	mux.HandleFunc("POST /api/sync/dry-run", logger.RequestLogMdlw(h.PostDryRun, h.zaplog))
	mux.HandleFunc("PATCH /api/bloqueio/{codemp}/{codparc}", logger.RequestLogMdlw(h.PatchBloqueio, h.zaplog))
	mux.HandleFunc("POST /api/negativacao/lote", logger.RequestLogMdlw(h.PostNegativacao, h.zaplog))
	mux.HandleFunc("POST /api/negativacao/remover/lote", logger.RequestLogMdlw(h.PostRemoverNegativacao, h.zaplog))

	return mux
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(responseJSON)
}

func (h *handler) readJSON(r *http.Request, v any) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return err
	}
	return json.Unmarshal(buf.Bytes(), v)
}

type OkJSONResponse struct {
	Ok bool `json:"ok"`
}

func (h *handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, OkJSONResponse{Ok: true})
}

func (h *handler) PostSync(w http.ResponseWriter, r *http.Request) {
	err := h.service.SyncAsync(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSyncInProgress):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	h.writeJSON(w, http.StatusAccepted, OkJSONResponse{Ok: true})
}

func (h *handler) GetSync(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.LastRun(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrNoRuns) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *handler) PostDryRun(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.DryRun(r.Context())
	if err != nil {
		// ошибка на стороне ERP
		var authErr *token.AuthError
		var gwErr *gatewayclient.GatewayError
		if errors.As(err, &authErr) || errors.As(err, &gwErr) || errors.Is(err, gatewayclient.ErrPageLimit) {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type PatchBloqueioJSONRequest struct {
	Bloquear *bool `json:"bloquear"`
}

type PatchBloqueioJSONResponse struct {
	Ok       bool           `json:"ok"`
	Situacao model.Situacao `json:"situacao"`
	Titulos  int64          `json:"titulos"`
}

func (h *handler) PatchBloqueio(w http.ResponseWriter, r *http.Request) {
	codemp, err := strconv.ParseInt(r.PathValue("codemp"), 10, 64)
	if err != nil {
		http.Error(w, "codemp: "+err.Error(), http.StatusBadRequest)
		return
	}
	codparc, err := strconv.ParseInt(r.PathValue("codparc"), 10, 64)
	if err != nil {
		http.Error(w, "codparc: "+err.Error(), http.StatusBadRequest)
		return
	}

	var req PatchBloqueioJSONRequest
	if err := h.readJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Bloquear == nil {
		http.Error(w, "bloquear (true/false) is required", http.StatusBadRequest)
		return
	}

	resp := PatchBloqueioJSONResponse{Ok: true}
	if *req.Bloquear {
		resp.Situacao = model.SituacaoBloqueado
		resp.Titulos, err = h.situacao.Block(r.Context(), codemp, codparc)
	} else {
		resp.Situacao = model.SituacaoLiberado
		resp.Titulos, err = h.situacao.Unblock(r.Context(), codemp, codparc)
	}
	if err != nil {
		h.situacaoError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type NegativacaoJSONRequest struct {
	Clientes []model.Partner `json:"clientes"`
}

type NegativacaoJSONResponse struct {
	Ok      bool  `json:"ok"`
	Titulos int64 `json:"titulos"`
}

func (h *handler) PostNegativacao(w http.ResponseWriter, r *http.Request) {
	h.negativacao(w, r, h.situacao.Negativar)
}

func (h *handler) PostRemoverNegativacao(w http.ResponseWriter, r *http.Request) {
	h.negativacao(w, r, h.situacao.RemoverNegativacao)
}

func (h *handler) negativacao(w http.ResponseWriter, r *http.Request,
	apply func(ctx context.Context, partners []model.Partner) (int64, error)) {
	var req NegativacaoJSONRequest
	if err := h.readJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n, err := apply(r.Context(), req.Clientes)
	if err != nil {
		h.situacaoError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, NegativacaoJSONResponse{Ok: true, Titulos: n})
}

func (h *handler) situacaoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, situacao.ErrNoPartners), errors.Is(err, situacao.ErrInvalidPartner):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.zaplog.Error("situacao update failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
