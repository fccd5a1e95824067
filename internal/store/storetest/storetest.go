// Package storetest - хранилище в памяти для тестов сервисов.
// Транзакция работает с копией данных и применяет ее только при commit.
package storetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iurnickita/finsync/internal/model"
	"github.com/iurnickita/finsync/internal/store"
)

type Store struct {
	mu      sync.Mutex
	titulos map[int64]model.Titulo
	runs    []model.SyncRun

	// FailPut - ошибка записи титула (для проверки отката)
	FailPut        func(t model.Titulo) error
	// FailCheckpoint - ошибка записи отметки запуска
	FailCheckpoint error

	Commits   int
	Rollbacks int
}

func New() *Store {
	return &Store{titulos: make(map[int64]model.Titulo)}
}

// Seed кладет титул напрямую, минуя ETL
func (s *Store) Seed(t model.Titulo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titulos[t.Nufin] = t
}

func (s *Store) Titulos() map[int64]model.Titulo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]model.Titulo, len(s.titulos))
	for k, v := range s.titulos {
		out[k] = v
	}
	return out
}

func (s *Store) Runs() []model.SyncRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SyncRun(nil), s.runs...)
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{
		parent:  s,
		titulos: make(map[int64]model.Titulo, len(s.titulos)),
		runs:    append([]model.SyncRun(nil), s.runs...),
	}
	for k, v := range s.titulos {
		t.titulos[k] = v
	}

	if err := fn(t); err != nil {
		s.Rollbacks++
		return err
	}
	s.titulos = t.titulos
	s.runs = t.runs
	s.Commits++
	return nil
}

func (s *Store) TituloGet(_ context.Context, nufin int64) (model.Titulo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.titulos[nufin]
	if !ok {
		return model.Titulo{}, store.ErrNoRows
	}
	return t, nil
}

func (s *Store) partnerUpdate(partner model.Partner, set func(t *model.Titulo)) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, t := range s.titulos {
		if t.Codemp == nil || t.Codparc == nil {
			continue
		}
		if *t.Codemp == partner.Codemp && *t.Codparc == partner.Codparc {
			set(&t)
			s.titulos[k] = t
			n++
		}
	}
	return n
}

func (s *Store) PartnerSetSituacao(_ context.Context, partner model.Partner, situacao model.Situacao) (int64, error) {
	return s.partnerUpdate(partner, func(t *model.Titulo) { t.Situacao = situacao }), nil
}

func (s *Store) PartnerSetNegativado(_ context.Context, partner model.Partner, negativado model.Negativado) (int64, error) {
	return s.partnerUpdate(partner, func(t *model.Titulo) { t.Negativado = negativado }), nil
}

func (s *Store) SyncRunStart(_ context.Context, run model.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *Store) SyncRunFinish(_ context.Context, run model.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID == run.ID {
			s.runs[i] = run
			return nil
		}
	}
	return store.ErrNoRows
}

func (s *Store) latest(match func(model.SyncRun) bool) (model.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]model.SyncRun, 0, len(s.runs))
	for _, r := range s.runs {
		if match(r) {
			runs = append(runs, r)
		}
	}
	if len(runs) == 0 {
		return model.SyncRun{}, store.ErrNoRows
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return runs[0], nil
}

func (s *Store) SyncRunLast(context.Context) (model.SyncRun, error) {
	return s.latest(func(model.SyncRun) bool { return true })
}

func (s *Store) SyncRunLastByWindow(_ context.Context, windowStart, windowEnd time.Time) (model.SyncRun, error) {
	return s.latest(func(r model.SyncRun) bool {
		return r.WindowStart.Equal(windowStart) && r.WindowEnd.Equal(windowEnd)
	})
}

func (s *Store) Close() error {
	return nil
}

type tx struct {
	parent  *Store
	titulos map[int64]model.Titulo
	runs    []model.SyncRun
}

func (t *tx) TituloGetForUpdate(_ context.Context, nufin int64) (model.Titulo, error) {
	titulo, ok := t.titulos[nufin]
	if !ok {
		return model.Titulo{}, store.ErrNoRows
	}
	return titulo, nil
}

func (t *tx) TituloPut(_ context.Context, titulo model.Titulo) error {
	if t.parent.FailPut != nil {
		if err := t.parent.FailPut(titulo); err != nil {
			return err
		}
	}
	t.titulos[titulo.Nufin] = titulo
	return nil
}

func (t *tx) SyncRunCheckpoint(_ context.Context, cp model.Checkpoint) error {
	if t.parent.FailCheckpoint != nil {
		return t.parent.FailCheckpoint
	}
	for i := range t.runs {
		if t.runs[i].ID == cp.RunID {
			t.runs[i].LastPage = cp.Page
			t.runs[i].Total = cp.Total
			return nil
		}
	}
	return errors.New("sync run not found: " + cp.RunID)
}
