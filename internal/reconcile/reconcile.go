package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/finsync/internal/mapper"
	"github.com/iurnickita/finsync/internal/model"
	"github.com/iurnickita/finsync/internal/store"
)

// LoadError - пакет не записан: транзакция откатилась целиком.
// Nufin - титул, на котором произошла ошибка (0, если ошибка вне титула).
type LoadError struct {
	Nufin int64
	Err   error
}

func (e *LoadError) Error() string {
	if e.Nufin == 0 {
		return fmt.Sprintf("load batch: %v", e.Err)
	}
	return fmt.Sprintf("load batch: nufin %d: %v", e.Nufin, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Result - итог загрузки пакета
type Result struct {
	Received int // строк в пакете
	Eligible int // прошли фильтр
	Upserted int // записано (только после commit)
}

type Loader struct {
	store  store.Store
	mapper *mapper.Mapper
	now    func() time.Time
	zaplog *zap.Logger
}

func NewLoader(store store.Store, mapper *mapper.Mapper, zaplog *zap.Logger) *Loader {
	return &Loader{
		store:  store,
		mapper: mapper,
		now:    time.Now,
		zaplog: zaplog,
	}
}

// LoadBatch пишет пакет в одной транзакции.
// cp != nil - отметка страницы запуска пишется в той же транзакции.
func (l *Loader) LoadBatch(ctx context.Context, raws []mapper.RawTitulo, cp *model.Checkpoint) (Result, error) {
	res := Result{Received: len(raws)}

	titulos := make([]model.Titulo, 0, len(raws))
	for _, raw := range raws {
		t := l.mapper.Map(raw)
		if !l.mapper.Eligible(t) {
			continue
		}
		titulos = append(titulos, t)
	}
	res.Eligible = len(titulos)

	updatedAt := l.now()
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		for _, incoming := range titulos {
			var existing *model.Titulo
			current, err := tx.TituloGetForUpdate(ctx, incoming.Nufin)
			switch {
			case err == nil:
				existing = &current
			case errors.Is(err, store.ErrNoRows):
			default:
				return &LoadError{Nufin: incoming.Nufin, Err: err}
			}

			merged := Merge(existing, incoming)
			merged.UpdatedAt = updatedAt
			if err := tx.TituloPut(ctx, merged); err != nil {
				return &LoadError{Nufin: incoming.Nufin, Err: err}
			}
		}

		if cp != nil {
			if err := tx.SyncRunCheckpoint(ctx, *cp); err != nil {
				return &LoadError{Err: fmt.Errorf("checkpoint: %w", err)}
			}
		}
		return nil
	})
	if err != nil {
		var loadErr *LoadError
		if !errors.As(err, &loadErr) {
			// begin/commit
			err = &LoadError{Err: err}
		}
		l.zaplog.Error("batch rolled back",
			zap.Int("received", res.Received),
			zap.Int("eligible", res.Eligible),
			zap.Error(err))
		return res, err
	}

	res.Upserted = len(titulos)
	l.zaplog.Debug("batch committed",
		zap.Int("received", res.Received),
		zap.Int("eligible", res.Eligible))
	return res, nil
}

// Merge - правило слияния при повторной загрузке.
// Поля ETL берутся из incoming. situacao сохраняется, если уже задана;
// negativado принадлежит операционному процессу и не меняется ('N' для нового титула).
func Merge(existing *model.Titulo, incoming model.Titulo) model.Titulo {
	merged := incoming
	if existing == nil {
		merged.Negativado = model.NegativadoNao
		return merged
	}

	if existing.Situacao != "" {
		merged.Situacao = existing.Situacao
	}
	merged.Negativado = existing.Negativado
	if merged.Negativado == "" {
		merged.Negativado = model.NegativadoNao
	}
	return merged
}
