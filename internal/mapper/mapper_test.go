package mapper

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/finsync/internal/mapper/config"
	"github.com/iurnickita/finsync/internal/model"
)

var saoPaulo = mustLocation("America/Sao_Paulo")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// "сегодня" для тестов: 10/03/2025 12:00 по Сан-Паулу
func testNow() time.Time {
	return time.Date(2025, 3, 10, 12, 0, 0, 0, saoPaulo)
}

func newTestMapper(t *testing.T) *Mapper {
	m, err := New(config.Default(), testNow)
	require.NoError(t, err)
	return m
}

func validRaw() RawTitulo {
	return RawTitulo{
		Nufin:        "1001",
		DtVenc:       "01/03/2025",
		Nunota:       "5501",
		Codparc:      "321",
		Codemp:       "18",
		Numnota:      "77",
		VlrDesdob:    "1250.40",
		CgcCpfParc:   "12.345.678/0001-90",
		NomeEmpresa:  "FGF CONTABIL",
		NomeParceiro: "PADARIA BOM PAO",
		DescrNat:     "RECEITA DE CONTABILIDADE",
		AtivoContr:   "S",
	}
}

func TestMapFields(t *testing.T) {
	m := newTestMapper(t)
	raw := validRaw()
	raw.DtNeg = "15/01/2025"
	raw.Historico = "parcela 2/3"
	raw.CtaBcoBaixa = "0012"

	got := m.Map(raw)

	assert.EqualValues(t, 1001, got.Nufin)
	require.NotNil(t, got.Codemp)
	assert.EqualValues(t, 18, *got.Codemp)
	require.NotNil(t, got.Codparc)
	assert.EqualValues(t, 321, *got.Codparc)
	require.NotNil(t, got.Numnota)
	assert.EqualValues(t, 5501, *got.Numnota)
	assert.True(t, got.ValorDesdobra.Valid)
	assert.True(t, decimal.RequireFromString("1250.4").Equal(got.ValorDesdobra.Decimal))
	assert.Equal(t, "Contabilidade", got.Negocio)
	assert.Equal(t, "12.345.678/0001-90", got.CgcCpfParc)
	assert.Equal(t, "parcela 2/3", got.Historico)
	assert.Equal(t, "0012", got.CtabcoBaixa)
	require.NotNil(t, got.DtNegociacao)
	assert.Equal(t, "2025-01-15", got.DtNegociacao.Format(time.DateOnly))
	assert.Empty(t, got.Situacao)
	assert.Empty(t, got.Negativado)
}

func TestMapNumnotaFallback(t *testing.T) {
	m := newTestMapper(t)
	raw := validRaw()
	raw.Nunota = ""

	got := m.Map(raw)
	require.NotNil(t, got.Numnota)
	assert.EqualValues(t, 77, *got.Numnota)

	raw.Numnota = ""
	assert.Nil(t, m.Map(raw).Numnota)
}

func TestMapStatus(t *testing.T) {
	m := newTestMapper(t)

	tests := []struct {
		name       string
		dtVenc     string
		dhBaixa    string
		wantStatus model.Status
		wantAtraso int
	}{
		{"paid overdue", "01/01/2025", "05/01/2025", model.StatusPago, 0},
		{"paid not yet due", "01/12/2025", "05/01/2025 10:31:00", model.StatusPago, 0},
		{"paid no due date", "", "05/01/2025", model.StatusPago, 0},
		{"overdue", "01/03/2025", "", model.StatusAtrasado, 9},
		{"overdue one day", "09/03/2025", "", model.StatusAtrasado, 1},
		{"due today", "10/03/2025", "", model.StatusAVencer, 0},
		{"due later", "30/04/2025", "", model.StatusAVencer, 0},
		{"no due date", "", "", "", 0},
		{"malformed due date", "2025-03-01", "", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			raw.DtVenc = tt.dtVenc
			raw.DhBaixa = tt.dhBaixa

			got := m.Map(raw)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantAtraso, got.Atraso)
		})
	}
}

func TestMapAtrasoUsesCalendarDays(t *testing.T) {
	// поздний вечер: календарный день еще 10/03
	m, err := New(config.Default(), func() time.Time {
		return time.Date(2025, 3, 10, 23, 59, 0, 0, saoPaulo)
	})
	require.NoError(t, err)

	raw := validRaw()
	raw.DtVenc = "09/03/2025"
	assert.Equal(t, 1, m.Map(raw).Atraso)
}

func TestToday(t *testing.T) {
	// 02:00 UTC 10/03 - в Сан-Паулу еще 09/03
	m, err := New(config.Default(), func() time.Time {
		return time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC)
	})
	require.NoError(t, err)

	assert.True(t, time.Date(2025, 3, 9, 0, 0, 0, 0, saoPaulo).Equal(m.Today()))
}

func TestParseDate(t *testing.T) {
	m := newTestMapper(t)

	valid := m.parseDate("05/02/2025")
	require.NotNil(t, valid)
	assert.True(t, time.Date(2025, 2, 5, 0, 0, 0, 0, saoPaulo).Equal(*valid))

	withTime := m.parseTimestamp("05/02/2025 14:30:15")
	require.NotNil(t, withTime)
	assert.True(t, time.Date(2025, 2, 5, 14, 30, 15, 0, saoPaulo).Equal(*withTime))

	for _, s := range []string{"", "05-02-2025", "05/2025", "00/02/2025", "05/00/2025", "05/02/0", "05//2025", "31/02/2025", "aa/bb/cccc"} {
		assert.Nil(t, m.parseDate(s), s)
	}
}

func TestMapBusinessUnit(t *testing.T) {
	m := newTestMapper(t)

	for code, want := range map[string]string{
		"20": "Gob",
		"9":  "Contabilidade",
		"8":  "Revisão",
		"16": "Jurídico",
		"3":  "RH",
		"99": "",
		"":   "",
	} {
		raw := validRaw()
		raw.Codemp = code
		assert.Equal(t, want, m.Map(raw).Negocio, "codemp %q", code)
	}
}

func TestNewRejectsAmbiguousBusinessUnit(t *testing.T) {
	cfg := config.Default()
	cfg.Negocios["RH"] = []int64{3, 20}

	_, err := New(cfg, testNow)
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, Normalize("receita manut revisao fiscal"), Normalize("RECEITA MANUT. REVISÃO FISCAL."))
	assert.Equal(t, "receita manut revisao fiscal", Normalize("  RECEITA  MANUT. REVISÃO\tFISCAL. "))
	assert.Equal(t, "servicos avulsos legalizacao", Normalize("Serviços Avulsos Legalização"))
	assert.Equal(t, "", Normalize(""))
}

func TestEligible(t *testing.T) {
	m := newTestMapper(t)

	tests := []struct {
		name   string
		modify func(r *RawTitulo)
		want   bool
	}{
		{"valid", func(r *RawTitulo) {}, true},
		{"no nufin", func(r *RawTitulo) { r.Nufin = "" }, false},
		{"no invoice", func(r *RawTitulo) { r.Nunota, r.Numnota = "", "" }, false},
		{"zero invoice", func(r *RawTitulo) { r.Nunota = "0" }, false},
		{"natureza with accents and dots", func(r *RawTitulo) { r.DescrNat = "RECEITA MANUT. REVISÃO FISCAL" }, true},
		{"natureza outside list", func(r *RawTitulo) { r.DescrNat = "RECEITA FINANCEIRA" }, false},
		{"natureza empty", func(r *RawTitulo) { r.DescrNat = "" }, false},
		{"contract N", func(r *RawTitulo) { r.AtivoContr = "N" }, false},
		{"contract empty", func(r *RawTitulo) { r.AtivoContr = "" }, false},
		{"contract lower with space", func(r *RawTitulo) { r.AtivoContr = " s" }, true},
		{"contract trailing space", func(r *RawTitulo) { r.AtivoContr = "S " }, true},
		{"contract lower trailing space", func(r *RawTitulo) { r.AtivoContr = "s " }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			tt.modify(&raw)
			assert.Equal(t, tt.want, m.Eligible(m.Map(raw)))
		})
	}
}

func TestLayout(t *testing.T) {
	fields := []string{
		"NUFIN", "ATRASO", "DHBAIXA", "DTVENC", "NUNOTA", "CODPARC", "CODEMP", "NUMNOTA", "VLRDESDOB",
		"CGC_CPF_PARC", "DTNEG", "CTABCOBAIXA", "HISTORICO",
		"Empresa.NOMEFANTASIA", "Parceiro.NOMEPARC", "Natureza.DESCRNAT", "Contrato.ATIVO",
	}
	layout, err := NewLayout(fields)
	require.NoError(t, err)

	raw := layout.Decode(map[string]string{
		"f0": "1001", "f1": "12", "f3": "01/03/2025", "f6": "18", "f15": "RECEITA DE CONTABILIDADE", "f16": "S",
	})
	assert.Equal(t, "1001", raw.Nufin)
	assert.Equal(t, "01/03/2025", raw.DtVenc)
	assert.Equal(t, "18", raw.Codemp)
	assert.Equal(t, "RECEITA DE CONTABILIDADE", raw.DescrNat)
	assert.Equal(t, "S", raw.AtivoContr)
	assert.Empty(t, raw.DhBaixa)

	_, err = NewLayout(fields[:len(fields)-1])
	require.ErrorIs(t, err, ErrFieldMissing)
	assert.Contains(t, err.Error(), "Contrato.ATIVO")

	_, err = NewLayout(append(fields, "NUFIN"))
	require.Error(t, err)
}
