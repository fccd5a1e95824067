package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/iurnickita/finsync/internal/mapper/config"
	"github.com/iurnickita/finsync/internal/model"
)

// Mapper переводит строки ERP в титулы и вычисляет производные поля.
// Map не имеет побочных эффектов и не возвращает ошибок:
// некорректные значения становятся NULL.
type Mapper struct {
	loc       *time.Location
	now       func() time.Time
	naturezas map[string]struct{}
	negocios  map[int64]string
	situacao  model.Situacao
}

func New(cfg config.Config, now func() time.Time) (*Mapper, error) {
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	naturezas := make(map[string]struct{}, len(cfg.Naturezas))
	for _, n := range cfg.Naturezas {
		naturezas[Normalize(n)] = struct{}{}
	}

	negocios := make(map[int64]string)
	for negocio, codes := range cfg.Negocios {
		for _, code := range codes {
			if other, dup := negocios[code]; dup && other != negocio {
				return nil, fmt.Errorf("company %d mapped to both %q and %q", code, other, negocio)
			}
			negocios[code] = negocio
		}
	}

	if now == nil {
		now = time.Now
	}
	return &Mapper{
		loc:       loc,
		now:       now,
		naturezas: naturezas,
		negocios:  negocios,
		situacao:  model.Situacao(strings.ToUpper(strings.TrimSpace(cfg.SituacaoInicial))),
	}, nil
}

func (m *Mapper) Map(raw RawTitulo) model.Titulo {
	t := model.Titulo{
		NomeEmpresa:   raw.NomeEmpresa,
		NomeParceiro:  raw.NomeParceiro,
		CgcCpfParc:    raw.CgcCpfParc,
		DescrNatureza: raw.DescrNat,
		CtabcoBaixa:   raw.CtaBcoBaixa,
		Historico:     raw.Historico,
		AtivoContrato: raw.AtivoContr,
		Situacao:      m.situacao,
	}

	if nufin := parseInt(raw.Nufin); nufin != nil {
		t.Nufin = *nufin
	}
	t.Codemp = parseInt(raw.Codemp)
	t.Codparc = parseInt(raw.Codparc)

	// номер документа: NUNOTA, иначе NUMNOTA
	t.Numnota = parseInt(raw.Nunota)
	if strings.TrimSpace(raw.Nunota) == "" {
		t.Numnota = parseInt(raw.Numnota)
	}

	if v, err := decimal.NewFromString(strings.TrimSpace(raw.VlrDesdob)); err == nil {
		t.ValorDesdobra = decimal.NewNullDecimal(v)
	}

	t.DtVencimento = m.parseDate(raw.DtVenc)
	t.DtBaixa = m.parseTimestamp(raw.DhBaixa)
	t.DtNegociacao = m.parseDate(raw.DtNeg)

	today := m.now()
	t.Status = m.status(t.DtVencimento, t.DtBaixa, today)
	t.Atraso = m.atraso(t.DtVencimento, t.Status, today)
	if t.Codemp != nil {
		t.Negocio = m.negocios[*t.Codemp]
	}

	return t
}

// Eligible - фильтр загрузки: ключ, номер документа, натура из списка, активный контракт.
func (m *Mapper) Eligible(t model.Titulo) bool {
	if t.Nufin == 0 {
		return false
	}
	if t.Numnota == nil || *t.Numnota == 0 {
		return false
	}
	if _, ok := m.naturezas[Normalize(t.DescrNatureza)]; !ok {
		return false
	}
	return strings.ToUpper(strings.TrimSpace(t.AtivoContrato)) == "S"
}

// Today - начало текущего календарного дня в часовом поясе маппера
func (m *Mapper) Today() time.Time {
	y, mo, d := m.now().In(m.loc).Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, m.loc)
}

func (m *Mapper) status(dtVenc, dtBaixa *time.Time, today time.Time) model.Status {
	if dtBaixa != nil {
		return model.StatusPago
	}
	if dtVenc == nil {
		return ""
	}
	if m.civilDay(*dtVenc).Before(m.civilDay(today)) {
		return model.StatusAtrasado
	}
	return model.StatusAVencer
}

func (m *Mapper) atraso(dtVenc *time.Time, status model.Status, today time.Time) int {
	if dtVenc == nil || status != model.StatusAtrasado {
		return 0
	}
	days := int(m.civilDay(today).Sub(m.civilDay(*dtVenc)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// civilDay - календарный день в часовом поясе маппера, в UTC (без перехода на летнее время)
func (m *Mapper) civilDay(t time.Time) time.Time {
	y, mo, d := t.In(m.loc).Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// parseDate разбирает dd/mm/yyyy. Время после пробела отбрасывается.
func (m *Mapper) parseDate(s string) *time.Time {
	datePart, _, _ := strings.Cut(strings.TrimSpace(s), " ")
	parts := strings.Split(datePart, "/")
	if len(parts) != 3 {
		return nil
	}
	var dmy [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return nil
		}
		dmy[i] = n
	}
	day, month, year := dmy[0], dmy[1], dmy[2]
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, m.loc)
	// 31/02 и подобные не нормализуем в другой день
	if t.Day() != day || int(t.Month()) != month {
		return nil
	}
	return &t
}

// parseTimestamp - dd/mm/yyyy с необязательным hh:mm[:ss]
func (m *Mapper) parseTimestamp(s string) *time.Time {
	date := m.parseDate(s)
	if date == nil {
		return nil
	}
	_, clock, found := strings.Cut(strings.TrimSpace(s), " ")
	if !found {
		return date
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if c, err := time.Parse(layout, strings.TrimSpace(clock)); err == nil {
			t := time.Date(date.Year(), date.Month(), date.Day(), c.Hour(), c.Minute(), c.Second(), 0, m.loc)
			return &t
		}
	}
	return date
}

func parseInt(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return &n
	}
	// "123.0"
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
		n := int64(f)
		return &n
	}
	return nil
}

// Normalize приводит наименование натуры к канонической форме:
// нижний регистр, без диакритики, без точек, одиночные пробелы.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		out = strings.ToLower(s)
	}
	out = strings.ReplaceAll(out, ".", "")
	return strings.Join(strings.Fields(out), " ")
}
