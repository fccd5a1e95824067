package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iurnickita/finsync/internal/model"
	"github.com/iurnickita/finsync/internal/store/config"
)

type Store interface {
	// InTx выполняет fn в одной транзакции: commit при nil, иначе rollback.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	TituloGet(ctx context.Context, nufin int64) (model.Titulo, error)
	PartnerSetSituacao(ctx context.Context, partner model.Partner, situacao model.Situacao) (int64, error)
	PartnerSetNegativado(ctx context.Context, partner model.Partner, negativado model.Negativado) (int64, error)
	SyncRunStart(ctx context.Context, run model.SyncRun) error
	SyncRunFinish(ctx context.Context, run model.SyncRun) error
	SyncRunLast(ctx context.Context) (model.SyncRun, error)
	SyncRunLastByWindow(ctx context.Context, windowStart, windowEnd time.Time) (model.SyncRun, error)
	Close() error
}

// Tx - операции внутри транзакции загрузки пакета
type Tx interface {
	TituloGetForUpdate(ctx context.Context, nufin int64) (model.Titulo, error)
	TituloPut(ctx context.Context, titulo model.Titulo) error
	SyncRunCheckpoint(ctx context.Context, cp model.Checkpoint) error
}

var (
	ErrNoRows     = errors.New("no rows")
	ErrConstraint = errors.New("constraint violation")
)

type store struct {
	database *sql.DB
}

func NewStore(cfg config.Config) (Store, error) {
	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}

	s := newStore(db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newStore(db *sql.DB) *store {
	return &store{database: db}
}

func (store *store) migrate(ctx context.Context) error {
	// Таблица титулов.
	// Ключ - nufin из ERP. situacao и negativado принадлежат операционному процессу.
	_, err := store.database.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS titulos_financeiro ("+
			" nufin BIGINT PRIMARY KEY,"+
			" nome_empresa TEXT,"+
			" nome_parceiro TEXT,"+
			" descr_natureza TEXT,"+
			" numnota BIGINT,"+
			" valor_desdobra NUMERIC(15, 2),"+
			" dt_vencimento DATE,"+
			" dt_baixa TIMESTAMPTZ,"+
			" codemp BIGINT,"+
			" codparc BIGINT,"+
			" status VARCHAR (20),"+
			" situacao VARCHAR (20),"+
			" atraso INTEGER NOT NULL DEFAULT 0,"+
			" ativo_contrato VARCHAR (5),"+
			" cgc_cpf_parc VARCHAR (20),"+
			" dt_negociacao DATE,"+
			" ctabco_baixa TEXT,"+
			" historico TEXT,"+
			" negocio VARCHAR (30),"+
			" negativado CHAR (1) NOT NULL DEFAULT 'N',"+
			" updated_at TIMESTAMPTZ NOT NULL DEFAULT now()"+
			" );")
	if err != nil {
		return err
	}

	_, err = store.database.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS titulos_financeiro_partner_idx"+
			" ON titulos_financeiro (codemp, codparc);")
	if err != nil {
		return err
	}

	// Журнал запусков синхронизации.
	// last_page/total обновляются в транзакции пакета - точка возобновления
	_, err = store.database.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS sync_run ("+
			" id UUID PRIMARY KEY,"+
			" window_start DATE NOT NULL,"+
			" window_end DATE NOT NULL,"+
			" started_at TIMESTAMPTZ NOT NULL,"+
			" finished_at TIMESTAMPTZ,"+
			" status VARCHAR (10) NOT NULL,"+
			" last_page INTEGER NOT NULL DEFAULT -1,"+
			" total INTEGER NOT NULL DEFAULT 0,"+
			" error TEXT"+
			" );")
	return err
}

func (store *store) Close() error {
	return store.database.Close()
}

func (store *store) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(&tx{sqlTx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	return sqlTx.Commit()
}

const tituloColumns = "nufin, nome_empresa, nome_parceiro, descr_natureza, numnota, valor_desdobra," +
	" dt_vencimento, dt_baixa, codemp, codparc, status, situacao, atraso, ativo_contrato," +
	" cgc_cpf_parc, dt_negociacao, ctabco_baixa, historico, negocio, negativado, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTitulo(row rowScanner) (model.Titulo, error) {
	var t model.Titulo
	var nomeEmpresa, nomeParceiro, descrNatureza, status, situacao sql.NullString
	var ativoContrato, cgcCpf, ctabcoBaixa, historico, negocio, negativado sql.NullString
	err := row.Scan(&t.Nufin,
		&nomeEmpresa,
		&nomeParceiro,
		&descrNatureza,
		&t.Numnota,
		&t.ValorDesdobra,
		&t.DtVencimento,
		&t.DtBaixa,
		&t.Codemp,
		&t.Codparc,
		&status,
		&situacao,
		&t.Atraso,
		&ativoContrato,
		&cgcCpf,
		&t.DtNegociacao,
		&ctabcoBaixa,
		&historico,
		&negocio,
		&negativado,
		&t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Titulo{}, ErrNoRows
		}
		return model.Titulo{}, err
	}

	t.NomeEmpresa = nomeEmpresa.String
	t.NomeParceiro = nomeParceiro.String
	t.DescrNatureza = descrNatureza.String
	t.Status = model.Status(status.String)
	t.Situacao = model.Situacao(situacao.String)
	t.AtivoContrato = ativoContrato.String
	t.CgcCpfParc = cgcCpf.String
	t.CtabcoBaixa = ctabcoBaixa.String
	t.Historico = historico.String
	t.Negocio = negocio.String
	t.Negativado = model.Negativado(strings.TrimSpace(negativado.String))
	return t, nil
}

func (store *store) TituloGet(ctx context.Context, nufin int64) (model.Titulo, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+tituloColumns+
			" FROM titulos_financeiro"+
			" WHERE nufin = $1",
		nufin)
	return scanTitulo(row)
}

func (store *store) PartnerSetSituacao(ctx context.Context, partner model.Partner, situacao model.Situacao) (int64, error) {
	res, err := store.database.ExecContext(ctx,
		"UPDATE titulos_financeiro"+
			" SET situacao = $1"+
			" WHERE codemp = $2"+
			"   AND codparc = $3",
		situacao,
		partner.Codemp,
		partner.Codparc)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (store *store) PartnerSetNegativado(ctx context.Context, partner model.Partner, negativado model.Negativado) (int64, error) {
	res, err := store.database.ExecContext(ctx,
		"UPDATE titulos_financeiro"+
			" SET negativado = $1"+
			" WHERE codemp = $2"+
			"   AND codparc = $3",
		negativado,
		partner.Codemp,
		partner.Codparc)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const syncRunColumns = "id, window_start, window_end, started_at, finished_at, status, last_page, total, error"

func scanSyncRun(row rowScanner) (model.SyncRun, error) {
	var (
		run     model.SyncRun
		errText sql.NullString
	)
	err := row.Scan(&run.ID,
		&run.WindowStart,
		&run.WindowEnd,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.LastPage,
		&run.Total,
		&errText)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SyncRun{}, ErrNoRows
		}
		return model.SyncRun{}, err
	}
	run.Error = errText.String
	return run, nil
}

func (store *store) SyncRunStart(ctx context.Context, run model.SyncRun) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO sync_run (id, window_start, window_end, started_at, status, last_page, total)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7)",
		run.ID,
		run.WindowStart,
		run.WindowEnd,
		run.StartedAt,
		run.Status,
		run.LastPage,
		run.Total)
	return err
}

func (store *store) SyncRunFinish(ctx context.Context, run model.SyncRun) error {
	_, err := store.database.ExecContext(ctx,
		"UPDATE sync_run"+
			" SET status = $2, finished_at = $3, last_page = $4, total = $5, error = $6"+
			" WHERE id = $1",
		run.ID,
		run.Status,
		run.FinishedAt,
		run.LastPage,
		run.Total,
		sql.NullString{String: run.Error, Valid: run.Error != ""})
	return err
}

func (store *store) SyncRunLast(ctx context.Context) (model.SyncRun, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+syncRunColumns+
			" FROM sync_run"+
			" ORDER BY started_at DESC"+
			" LIMIT 1")
	return scanSyncRun(row)
}

func (store *store) SyncRunLastByWindow(ctx context.Context, windowStart, windowEnd time.Time) (model.SyncRun, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+syncRunColumns+
			" FROM sync_run"+
			" WHERE window_start = $1"+
			"   AND window_end = $2"+
			" ORDER BY started_at DESC"+
			" LIMIT 1",
		windowStart,
		windowEnd)
	return scanSyncRun(row)
}

type tx struct {
	sqlTx *sql.Tx
}

func (tx *tx) TituloGetForUpdate(ctx context.Context, nufin int64) (model.Titulo, error) {
	row := tx.sqlTx.QueryRowContext(ctx,
		"SELECT "+tituloColumns+
			" FROM titulos_financeiro"+
			" WHERE nufin = $1"+
			" FOR UPDATE",
		nufin)
	return scanTitulo(row)
}

// TituloPut пишет титул целиком. При конфликте по nufin negativado не трогается,
// а уже заполненная situacao сохраняется.
func (tx *tx) TituloPut(ctx context.Context, t model.Titulo) error {
	_, err := tx.sqlTx.ExecContext(ctx,
		"INSERT INTO titulos_financeiro ("+tituloColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)"+
			" ON CONFLICT (nufin) DO UPDATE SET"+
			" nome_empresa = EXCLUDED.nome_empresa,"+
			" nome_parceiro = EXCLUDED.nome_parceiro,"+
			" descr_natureza = EXCLUDED.descr_natureza,"+
			" numnota = EXCLUDED.numnota,"+
			" valor_desdobra = EXCLUDED.valor_desdobra,"+
			" dt_vencimento = EXCLUDED.dt_vencimento,"+
			" dt_baixa = EXCLUDED.dt_baixa,"+
			" codemp = EXCLUDED.codemp,"+
			" codparc = EXCLUDED.codparc,"+
			" status = EXCLUDED.status,"+
			" atraso = EXCLUDED.atraso,"+
			" ativo_contrato = EXCLUDED.ativo_contrato,"+
			" cgc_cpf_parc = EXCLUDED.cgc_cpf_parc,"+
			" dt_negociacao = EXCLUDED.dt_negociacao,"+
			" ctabco_baixa = EXCLUDED.ctabco_baixa,"+
			" historico = EXCLUDED.historico,"+
			" negocio = EXCLUDED.negocio,"+
			" situacao = COALESCE(titulos_financeiro.situacao, EXCLUDED.situacao),"+
			" updated_at = EXCLUDED.updated_at",
		t.Nufin,
		nullString(t.NomeEmpresa),
		nullString(t.NomeParceiro),
		nullString(t.DescrNatureza),
		t.Numnota,
		t.ValorDesdobra,
		dateOnly(t.DtVencimento),
		t.DtBaixa,
		t.Codemp,
		t.Codparc,
		t.Status,
		t.Situacao,
		t.Atraso,
		nullString(t.AtivoContrato),
		nullString(t.CgcCpfParc),
		dateOnly(t.DtNegociacao),
		nullString(t.CtabcoBaixa),
		nullString(t.Historico),
		nullString(t.Negocio),
		t.Negativado,
		t.UpdatedAt)
	if err != nil {
		// Проверка: нарушение ограничений
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
			return fmt.Errorf("%w: %s (%s)", ErrConstraint, pgErr.Message, pgErr.Code)
		}
		return err
	}
	return nil
}

func (tx *tx) SyncRunCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	_, err := tx.sqlTx.ExecContext(ctx,
		"UPDATE sync_run"+
			" SET last_page = $2, total = $3"+
			" WHERE id = $1",
		cp.RunID,
		cp.Page,
		cp.Total)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// dateOnly - колонка DATE: без часового пояса, только календарный день
func dateOnly(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.DateOnly)
}
