package config

// Config - бизнес-политика маппинга. Меняется независимо от кода, поэтому
// задается конфигурацией, а не константами.
type Config struct {
	// Канонические (нормализованные) наименования допустимых натур
	Naturezas []string
	// Бизнес-направление -> коды компаний
	Negocios map[string][]int64
	// Начальная ситуация для новых титулов, "" - NULL
	SituacaoInicial string
	Timezone        string
}

func Default() Config {
	return Config{
		Naturezas: []string{
			"receita de contabilidade retroativa",
			"receita de contabilidade",
			"receita servicos avulsos contabil",
			"servicos avulsos contabilidade",
			"servicos avulsos departamento pessoal",
			"servicos avulsos legalizacao",
			"receita manut revisao fiscal",
			"receita portal revisao fiscal",
			"receita revisao fiscal",
			"receita servico calculo st fiscal",
			"receita gob cfiscal",
			"receita gob implantacao",
			"receita gob perdcomp",
			"receita gob retroativo",
		},
		Negocios: map[string][]int64{
			"Gob":           {20},
			"Contabilidade": {18, 17, 14, 9, 13},
			"Revisão":       {15, 8, 1},
			"Jurídico":      {16},
			"RH":            {3},
		},
		Timezone: "America/Sao_Paulo",
	}
}
