package tiss

import (
	"strconv"
	"strings"
)

// Namespace and version constants for ANS TISS 4.00.00
const (
	Namespace      = "http://www.ans.gov.br/padroes/tiss/schemas"
	NamespaceXSI   = "http://www.w3.org/2001/XMLSchema-instance"
	SchemaLocation = "http://www.ans.gov.br/padroes/tiss/schemas tissV4_00_00.xsd"
	Version        = "4.00.00"
)

const (
	TransactionSendBatch = "ENVIO_LOTE_GUIAS"
	DefaultTableCode     = "22" // TUSS procedures
	DefaultCBOS          = "225125"
)

// Terminology table 26 (conselho profissional)
var councilCodes = map[string]string{
	"CRAS":    "01",
	"COREN":   "02",
	"CRF":     "03",
	"CRFA":    "04",
	"CREFITO": "05",
	"CRM":     "06",
	"CRN":     "07",
	"CRO":     "08",
	"CRP":     "09",
	"OUT":     "10",
}

// Terminology table 59 (IBGE state codes)
var ufCodes = map[string]string{
	"RO": "11", "AC": "12", "AM": "13", "RR": "14", "PA": "15", "AP": "16", "TO": "17",
	"MA": "21", "PI": "22", "CE": "23", "RN": "24", "PB": "25", "PE": "26", "AL": "27", "SE": "28", "BA": "29",
	"MG": "31", "ES": "32", "RJ": "33", "SP": "35",
	"PR": "41", "SC": "42", "RS": "43",
	"MS": "50", "MT": "51", "GO": "52", "DF": "53",
}

// CouncilCode accepts either an acronym ("CRM") or an already coded value ("06").
func CouncilCode(council string) string {
	c := strings.ToUpper(strings.TrimSpace(council))
	if c == "" {
		return councilCodes["CRM"]
	}
	if code, ok := councilCodes[c]; ok {
		return code
	}
	if _, err := strconv.Atoi(c); err == nil {
		return c
	}
	return councilCodes["OUT"]
}

// UFCode accepts a state acronym or its IBGE code.
func UFCode(uf string) string {
	u := strings.ToUpper(strings.TrimSpace(uf))
	if code, ok := ufCodes[u]; ok {
		return code
	}
	return u
}

func fieldIndex(list string, i int, field string) string {
	return list + "[" + strconv.Itoa(i) + "]." + field
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
