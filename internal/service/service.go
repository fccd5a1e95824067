package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/finsync/internal/mapper"
	"github.com/iurnickita/finsync/internal/model"
	"github.com/iurnickita/finsync/internal/reconcile"
	"github.com/iurnickita/finsync/internal/service/config"
	"github.com/iurnickita/finsync/internal/service/gatewayclient"
	"github.com/iurnickita/finsync/internal/store"
	"github.com/iurnickita/finsync/internal/token"
)

type Service interface {
	// Sync - полный проход по окну: страницы до пустой/неполной.
	Sync(ctx context.Context) (model.SyncRun, error)
	// SyncAsync запускает Sync в фоне; ErrSyncInProgress, если запуск уже идет.
	SyncAsync(ctx context.Context) error
	DryRun(ctx context.Context) (DryRunResult, error)
	LastRun(ctx context.Context) (model.SyncRun, error)
	// Run - периодический запуск по cfg.Interval до отмены ctx.
	Run(ctx context.Context) error
	// Close отменяет идущие запуски и ждет, пока они запишут итог.
	Close() error
}

var (
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrNoRuns         = errors.New("no sync runs yet")
	ErrClosed         = errors.New("sync service closed")
)

const (
	defaultPageSize       = 50
	defaultLookbackMonths = 3
	defaultMaxPages       = 1000
)

// DryRunResult - что было бы загружено, без записи
type DryRunResult struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Received    int       `json:"received"`
	Eligible    int       `json:"eligible"`
}

type service struct {
	cfg     config.Config
	store   store.Store
	mapper  *mapper.Mapper
	gateway gatewayclient.Client
	loader  *reconcile.Loader
	layout  mapper.Layout
	zaplog  *zap.Logger
	now     func() time.Time
	running atomic.Bool

	// время жизни сервиса: родитель фоновых запусков
	lifetime context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
}

func NewService(cfg config.Config, store store.Store, tokens token.Provider, mapper *mapper.Mapper, zaplog *zap.Logger) (Service, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.LookbackMonths <= 0 {
		cfg.LookbackMonths = defaultLookbackMonths
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}

	// раскладка строк проверяется один раз, по списку полей запроса
	layout, err := NewLayout()
	if err != nil {
		return nil, err
	}

	lifetime, stop := context.WithCancel(context.Background())
	service := &service{
		cfg:      cfg,
		store:    store,
		mapper:   mapper,
		gateway:  gatewayclient.NewClient(cfg.GatewayURL, cfg.GatewayTimeout, tokens),
		loader:   reconcile.NewLoader(store, mapper, zaplog),
		layout:   layout,
		zaplog:   zaplog,
		now:      time.Now,
		lifetime: lifetime,
		stop:     stop,
	}

	return service, nil
}

// acquire регистрирует работу, которую Close должен дождаться.
// Возвращает ctx, отменяемый и вызывающим, и Close.
func (service *service) acquire(ctx context.Context) (context.Context, func(), error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if service.closed {
		return nil, nil, ErrClosed
	}
	service.wg.Add(1)

	ctx, cancel := context.WithCancel(ctx)
	unlink := context.AfterFunc(service.lifetime, cancel)
	return ctx, func() {
		unlink()
		cancel()
		service.wg.Done()
	}, nil
}

func (service *service) Close() error {
	service.mu.Lock()
	service.closed = true
	service.mu.Unlock()

	service.stop()
	service.wg.Wait()
	return nil
}

// Поля запроса титулов: корневая сущность и связанные
var queryEntities = []gatewayclient.Entity{
	{Path: "", Fieldset: gatewayclient.Fieldset{List: "NUFIN, ATRASO, DHBAIXA, DTVENC, NUNOTA, CODPARC, CODEMP, NUMNOTA, VLRDESDOB, CGC_CPF_PARC, DTNEG, CTABCOBAIXA, HISTORICO"}},
	{Path: "Empresa", Fieldset: gatewayclient.Fieldset{List: "NOMEFANTASIA"}},
	{Path: "Parceiro", Fieldset: gatewayclient.Fieldset{List: "NOMEPARC"}},
	{Path: "Natureza", Fieldset: gatewayclient.Fieldset{List: "DESCRNAT"}},
	{Path: "Contrato", Fieldset: gatewayclient.Fieldset{List: "ATIVO"}},
}

// BaseQuery - запрос титулов к получению (RECDESP = 1) со сроком оплаты в окне [start, end].
func BaseQuery(start, end time.Time, pageSize int) gatewayclient.DataSet {
	entities := make([]gatewayclient.Entity, len(queryEntities))
	copy(entities, queryEntities)

	return gatewayclient.DataSet{
		RootEntity:                "Financeiro",
		IncludePresentationFields: "S",
		TryJoinedFields:           "true",
		OffsetPage:                "0",
		PageSize:                  strconv.Itoa(pageSize),
		OrderBy:                   gatewayclient.Text{Value: "DTVENC ASC"},
		Criteria: gatewayclient.Criteria{
			Expression: gatewayclient.Text{Value: "RECDESP = 1 AND DTVENC >= ? AND DTVENC <= ?"},
			Parameter: []gatewayclient.Parameter{
				{Value: start.Format("02/01/2006"), Type: "D"},
				{Value: end.Format("02/01/2006"), Type: "D"},
			},
		},
		Entity: entities,
	}
}

func NewLayout() (mapper.Layout, error) {
	return mapper.NewLayout(BaseQuery(time.Time{}, time.Time{}, defaultPageSize).FieldNames())
}

func (service *service) window() (time.Time, time.Time) {
	end := service.mapper.Today()
	return end.AddDate(0, -service.cfg.LookbackMonths, 0), end
}

func (service *service) Sync(ctx context.Context) (model.SyncRun, error) {
	ctx, release, err := service.acquire(ctx)
	if err != nil {
		return model.SyncRun{}, err
	}
	defer release()

	if !service.running.CompareAndSwap(false, true) {
		return model.SyncRun{}, ErrSyncInProgress
	}
	defer service.running.Store(false)

	return service.sync(ctx)
}

func (service *service) SyncAsync(_ context.Context) error {
	// запуск переживает HTTP-запрос, который его начал, но не сервис
	ctx, release, err := service.acquire(service.lifetime)
	if err != nil {
		return err
	}
	if !service.running.CompareAndSwap(false, true) {
		release()
		return ErrSyncInProgress
	}

	go func() {
		defer release()
		defer service.running.Store(false)
		service.sync(ctx)
	}()
	return nil
}

func (service *service) sync(ctx context.Context) (model.SyncRun, error) {
	start, end := service.window()
	run := model.SyncRun{
		ID:          uuid.NewString(),
		WindowStart: start,
		WindowEnd:   end,
		StartedAt:   service.now(),
		Status:      model.SyncRunStatusRunning,
		LastPage:    -1,
	}

	// Продолжение упавшего запуска с тем же окном
	if service.cfg.Resume {
		prev, err := service.store.SyncRunLastByWindow(ctx, start, end)
		switch {
		case err == nil:
			if prev.Status == model.SyncRunStatusFailed && prev.LastPage >= 0 {
				run.LastPage = prev.LastPage
				run.Total = prev.Total
				service.zaplog.Info("resuming failed sync run",
					zap.String("previous", prev.ID),
					zap.Int("page", prev.LastPage+1),
					zap.Int("total", prev.Total))
			}
		case errors.Is(err, store.ErrNoRows):
		default:
			service.zaplog.Error("sync not started: previous run unreadable", zap.Error(err))
			return run, fmt.Errorf("read previous sync run: %w", err)
		}
	}

	if err := service.store.SyncRunStart(ctx, run); err != nil {
		service.zaplog.Error("sync not started", zap.String("run", run.ID), zap.Error(err))
		return run, fmt.Errorf("start sync run: %w", err)
	}
	service.zaplog.Info("sync started",
		zap.String("run", run.ID),
		zap.Time("window_start", start),
		zap.Time("window_end", end),
		zap.Int("page", run.LastPage+1))

	ds := BaseQuery(start, end, service.cfg.PageSize)
	ds.OffsetPage = strconv.Itoa(run.LastPage + 1)

	err := service.gateway.ForEachPage(ctx, ds, service.cfg.MaxPages, func(page int, p gatewayclient.Page) (bool, error) {
		cp := model.Checkpoint{RunID: run.ID, Page: page, Total: run.Total + len(p.Rows)}
		res, err := service.loader.LoadBatch(ctx, service.layout.DecodeAll(p.Rows), &cp)
		if err != nil {
			return false, fmt.Errorf("page %d: %w", page, err)
		}
		run.LastPage = cp.Page
		run.Total = cp.Total

		service.zaplog.Info("page loaded",
			zap.String("run", run.ID),
			zap.Int("page", page),
			zap.Int("rows", res.Received),
			zap.Int("gateway_total", p.Total),
			zap.Int("eligible", res.Eligible),
			zap.Int("total", run.Total))

		// неполная страница - последняя
		return len(p.Rows) >= service.cfg.PageSize, nil
	})

	finished := service.now()
	run.FinishedAt = &finished
	run.Status = model.SyncRunStatusDone
	if err != nil {
		run.Status = model.SyncRunStatusFailed
		run.Error = err.Error()
		service.zaplog.Error("sync failed",
			zap.String("run", run.ID),
			zap.Int("last_page", run.LastPage),
			zap.Int("total", run.Total),
			zap.Error(err))
	} else {
		service.zaplog.Info("sync finished",
			zap.String("run", run.ID),
			zap.Int("pages", run.LastPage+1),
			zap.Int("total", run.Total),
			zap.Duration("duration", finished.Sub(run.StartedAt)))
	}

	// итог пишется и при отмене ctx
	if finishErr := service.store.SyncRunFinish(context.WithoutCancel(ctx), run); finishErr != nil {
		service.zaplog.Error("sync run not recorded", zap.String("run", run.ID), zap.Error(finishErr))
		if err == nil {
			err = fmt.Errorf("finish sync run: %w", finishErr)
		}
	}
	return run, err
}

func (service *service) DryRun(ctx context.Context) (DryRunResult, error) {
	ctx, release, err := service.acquire(ctx)
	if err != nil {
		return DryRunResult{}, err
	}
	defer release()

	start, end := service.window()
	res := DryRunResult{WindowStart: start, WindowEnd: end}

	rows, err := service.gateway.LoadRecordsAllPages(ctx, BaseQuery(start, end, service.cfg.PageSize), service.cfg.MaxPages)
	if err != nil {
		return res, err
	}

	res.Received = len(rows)
	for _, raw := range service.layout.DecodeAll(rows) {
		if service.mapper.Eligible(service.mapper.Map(raw)) {
			res.Eligible++
		}
	}
	return res, nil
}

func (service *service) LastRun(ctx context.Context) (model.SyncRun, error) {
	run, err := service.store.SyncRunLast(ctx)
	if errors.Is(err, store.ErrNoRows) {
		return model.SyncRun{}, ErrNoRuns
	}
	return run, err
}

func (service *service) Run(ctx context.Context) error {
	ctx, release, err := service.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if service.cfg.RunOnStart {
		service.scheduledSync(ctx)
	}
	if service.cfg.Interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(service.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			service.scheduledSync(ctx)
		}
	}
}

func (service *service) scheduledSync(ctx context.Context) {
	_, err := service.Sync(ctx)
	if errors.Is(err, ErrSyncInProgress) {
		service.zaplog.Info("scheduled sync skipped: previous run still in progress")
	}
}
