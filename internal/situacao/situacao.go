package situacao

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/iurnickita/finsync/internal/model"
	"github.com/iurnickita/finsync/internal/store"
)

// Situacao - операционный процесс: блокировка и негативация клиентов.
// Единственный, кто меняет situacao и negativado после загрузки.
type Situacao interface {
	Block(ctx context.Context, codemp, codparc int64) (int64, error)
	Unblock(ctx context.Context, codemp, codparc int64) (int64, error)
	Negativar(ctx context.Context, partners []model.Partner) (int64, error)
	RemoverNegativacao(ctx context.Context, partners []model.Partner) (int64, error)
}

var (
	ErrNoPartners     = errors.New("no partners given")
	ErrInvalidPartner = errors.New("invalid partner")
)

type situacao struct {
	store  store.Store
	zaplog *zap.Logger
}

func NewSituacao(store store.Store, zaplog *zap.Logger) Situacao {
	return &situacao{store: store, zaplog: zaplog}
}

func (s *situacao) Block(ctx context.Context, codemp, codparc int64) (int64, error) {
	return s.setSituacao(ctx, model.Partner{Codemp: codemp, Codparc: codparc}, model.SituacaoBloqueado)
}

func (s *situacao) Unblock(ctx context.Context, codemp, codparc int64) (int64, error) {
	return s.setSituacao(ctx, model.Partner{Codemp: codemp, Codparc: codparc}, model.SituacaoLiberado)
}

func (s *situacao) setSituacao(ctx context.Context, partner model.Partner, value model.Situacao) (int64, error) {
	if err := checkPartner(partner); err != nil {
		return 0, err
	}

	n, err := s.store.PartnerSetSituacao(ctx, partner, value)
	if err != nil {
		return 0, err
	}
	s.zaplog.Info("situacao changed",
		zap.Int64("codemp", partner.Codemp),
		zap.Int64("codparc", partner.Codparc),
		zap.String("situacao", string(value)),
		zap.Int64("titulos", n))
	return n, nil
}

func (s *situacao) Negativar(ctx context.Context, partners []model.Partner) (int64, error) {
	return s.setNegativado(ctx, partners, model.NegativadoSim)
}

func (s *situacao) RemoverNegativacao(ctx context.Context, partners []model.Partner) (int64, error) {
	return s.setNegativado(ctx, partners, model.NegativadoNao)
}

func (s *situacao) setNegativado(ctx context.Context, partners []model.Partner, value model.Negativado) (int64, error) {
	if len(partners) == 0 {
		return 0, ErrNoPartners
	}
	// сначала проверка всего списка, чтобы не применить его частично
	for _, p := range partners {
		if err := checkPartner(p); err != nil {
			return 0, err
		}
	}

	var total int64
	for _, p := range partners {
		n, err := s.store.PartnerSetNegativado(ctx, p, value)
		if err != nil {
			return total, fmt.Errorf("partner %d/%d: %w", p.Codemp, p.Codparc, err)
		}
		total += n
	}
	s.zaplog.Info("negativado changed",
		zap.Int("partners", len(partners)),
		zap.String("negativado", string(value)),
		zap.Int64("titulos", total))
	return total, nil
}

func checkPartner(p model.Partner) error {
	if p.Codemp <= 0 || p.Codparc <= 0 {
		return fmt.Errorf("%w: codemp %d, codparc %d", ErrInvalidPartner, p.Codemp, p.Codparc)
	}
	return nil
}
