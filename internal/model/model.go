package model

import (
	"database/sql/driver"
	"time"

	"github.com/shopspring/decimal"
)

// Титулы финансового (contas a receber)

type Titulo struct {
	Nufin int64

	Codemp       *int64
	NomeEmpresa  string
	Codparc      *int64
	NomeParceiro string
	CgcCpfParc   string

	DescrNatureza string
	Numnota       *int64
	ValorDesdobra decimal.NullDecimal

	DtVencimento *time.Time
	DtBaixa      *time.Time
	DtNegociacao *time.Time
	CtabcoBaixa  string
	Historico    string

	Status        Status
	Atraso        int
	AtivoContrato string
	Negocio       string

	// Поля операционного процесса: ETL их не перезаписывает
	Situacao   Situacao
	Negativado Negativado

	UpdatedAt time.Time
}

// Status - расчетный статус оплаты. Пустое значение хранится как NULL.
type Status string

const (
	StatusPago     Status = "Pago"
	StatusAtrasado Status = "Atrasado"
	StatusAVencer  Status = "a vencer"
)

func (s Status) Value() (driver.Value, error) {
	if s == "" {
		return nil, nil
	}
	return string(s), nil
}

// Situacao - статус блокировки клиента. Пустое значение хранится как NULL.
type Situacao string

const (
	SituacaoBloqueado Situacao = "BLOQUEADO"
	SituacaoLiberado  Situacao = "LIBERADO"
	SituacaoAtivo     Situacao = "ATIVO"
)

func (s Situacao) Value() (driver.Value, error) {
	if s == "" {
		return nil, nil
	}
	return string(s), nil
}

// Negativado - признак негативации клиента. Колонка NOT NULL, пустое значение пишется как "N".
type Negativado string

const (
	NegativadoSim Negativado = "S"
	NegativadoNao Negativado = "N"
)

func (n Negativado) Value() (driver.Value, error) {
	if n == "" {
		return string(NegativadoNao), nil
	}
	return string(n), nil
}

// Партнер в рамках компании - единица блокировки и негативации
type Partner struct {
	Codemp  int64 `json:"codemp"`
	Codparc int64 `json:"codparc"`
}

// Запуски синхронизации

type SyncRun struct {
	ID          string     `json:"id"`
	WindowStart time.Time  `json:"window_start"`
	WindowEnd   time.Time  `json:"window_end"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Status      string     `json:"status"`
	LastPage    int        `json:"last_page"`
	Total       int        `json:"total"`
	Error       string     `json:"error,omitempty"`
}

const (
	SyncRunStatusRunning = "RUNNING"
	SyncRunStatusDone    = "DONE"
	SyncRunStatusFailed  = "FAILED"
)

// Checkpoint - отметка последней зафиксированной страницы запуска
type Checkpoint struct {
	RunID string
	Page  int
	Total int
}
