package mapper

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/iurnickita/finsync/internal/service/gatewayclient"
)

// RawTitulo - строка шлюза, разложенная по именам полей.
// Все значения - строки как пришли из ERP, "" - отсутствует.
type RawTitulo struct {
	Nufin        string
	DhBaixa      string
	DtVenc       string
	Nunota       string
	Codparc      string
	Codemp       string
	Numnota      string
	VlrDesdob    string
	CgcCpfParc   string
	DtNeg        string
	CtaBcoBaixa  string
	Historico    string
	NomeEmpresa  string
	NomeParceiro string
	DescrNat     string
	AtivoContr   string
}

type binding struct {
	field string
	set   func(r *RawTitulo, v string)
}

// Поля запроса, которые читает маппер
var bindings = []binding{
	{"NUFIN", func(r *RawTitulo, v string) { r.Nufin = v }},
	{"DHBAIXA", func(r *RawTitulo, v string) { r.DhBaixa = v }},
	{"DTVENC", func(r *RawTitulo, v string) { r.DtVenc = v }},
	{"NUNOTA", func(r *RawTitulo, v string) { r.Nunota = v }},
	{"CODPARC", func(r *RawTitulo, v string) { r.Codparc = v }},
	{"CODEMP", func(r *RawTitulo, v string) { r.Codemp = v }},
	{"NUMNOTA", func(r *RawTitulo, v string) { r.Numnota = v }},
	{"VLRDESDOB", func(r *RawTitulo, v string) { r.VlrDesdob = v }},
	{"CGC_CPF_PARC", func(r *RawTitulo, v string) { r.CgcCpfParc = v }},
	{"DTNEG", func(r *RawTitulo, v string) { r.DtNeg = v }},
	{"CTABCOBAIXA", func(r *RawTitulo, v string) { r.CtaBcoBaixa = v }},
	{"HISTORICO", func(r *RawTitulo, v string) { r.Historico = v }},
	{"Empresa.NOMEFANTASIA", func(r *RawTitulo, v string) { r.NomeEmpresa = v }},
	{"Parceiro.NOMEPARC", func(r *RawTitulo, v string) { r.NomeParceiro = v }},
	{"Natureza.DESCRNAT", func(r *RawTitulo, v string) { r.DescrNat = v }},
	{"Contrato.ATIVO", func(r *RawTitulo, v string) { r.AtivoContr = v }},
}

var ErrFieldMissing = errors.New("field missing from query field list")

// Layout связывает позиционные ключи строки (f0, f1, ...) с полями RawTitulo.
type Layout struct {
	keys []string // ключ строки для bindings[i]
}

// NewLayout строит раскладку по списку полей запроса (DataSet.FieldNames).
// Поле, которого нет в запросе, - ошибка: иначе значения молча съедут.
func NewLayout(fields []string) (Layout, error) {
	index := make(map[string]int, len(fields))
	for i, f := range fields {
		if _, dup := index[f]; dup {
			return Layout{}, fmt.Errorf("duplicate field %q in query field list", f)
		}
		index[f] = i
	}

	var missing []string
	keys := make([]string, len(bindings))
	for i, b := range bindings {
		pos, ok := index[b.field]
		if !ok {
			missing = append(missing, b.field)
			continue
		}
		keys[i] = "f" + strconv.Itoa(pos)
	}
	if len(missing) > 0 {
		return Layout{}, fmt.Errorf("%w: %s", ErrFieldMissing, strings.Join(missing, ", "))
	}
	return Layout{keys: keys}, nil
}

func (l Layout) Decode(row gatewayclient.Row) RawTitulo {
	var raw RawTitulo
	for i, b := range bindings {
		b.set(&raw, row[l.keys[i]])
	}
	return raw
}

func (l Layout) DecodeAll(rows []gatewayclient.Row) []RawTitulo {
	raws := make([]RawTitulo, len(rows))
	for i, row := range rows {
		raws[i] = l.Decode(row)
	}
	return raws
}
