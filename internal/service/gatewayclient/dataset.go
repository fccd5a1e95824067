package gatewayclient

import "strings"

// DataSet - декларативный запрос CRUDServiceProvider.loadRecords.
type DataSet struct {
	RootEntity                string   `json:"rootEntity"`
	IncludePresentationFields string   `json:"includePresentationFields"`
	TryJoinedFields           string   `json:"tryJoinedFields"`
	OffsetPage                string   `json:"offsetPage"`
	PageSize                  string   `json:"pageSize,omitempty"`
	OrderBy                   Text     `json:"orderBy"`
	Criteria                  Criteria `json:"criteria"`
	Entity                    []Entity `json:"entity"`
}

// Text - значение в формате шлюза: {"$": "..."}
type Text struct {
	Value string `json:"$"`
}

type Criteria struct {
	Expression Text        `json:"expression"`
	Parameter  []Parameter `json:"parameter"`
}

// Parameter - позиционный параметр выражения. Type: "D" дата, "I" целое, "S" строка.
type Parameter struct {
	Value string `json:"$"`
	Type  string `json:"type"`
}

type Entity struct {
	Path     string   `json:"path"`
	Fieldset Fieldset `json:"fieldset"`
}

type Fieldset struct {
	List string `json:"list"`
}

// FieldNames возвращает поля в порядке позиционных ключей строки (f0, f1, ...).
// Поля связанных сущностей квалифицируются путем: "Empresa.NOMEFANTASIA".
func (ds DataSet) FieldNames() []string {
	var names []string
	for _, e := range ds.Entity {
		for _, f := range strings.Split(e.Fieldset.List, ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			if e.Path != "" {
				f = e.Path + "." + f
			}
			names = append(names, f)
		}
	}
	return names
}
