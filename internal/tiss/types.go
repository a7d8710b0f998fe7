// Package tiss renders and checks ANS TISS 4.00.00 guide documents.
// Element names carry the literal "ans:" prefix; the envelope declares it.
package tiss

import "encoding/xml"

// Message is the mensagemTISS envelope sent to an insurer
type Message struct {
	XMLName        xml.Name               `xml:"ans:mensagemTISS"`
	XmlnsAns       string                 `xml:"xmlns:ans,attr"`
	XmlnsXsi       string                 `xml:"xmlns:xsi,attr"`
	SchemaLocation string                 `xml:"xsi:schemaLocation,attr"`
	Header         MessageHeader          `xml:"ans:cabecalho"`
	Body           ProviderToOperatorBody `xml:"ans:prestadorParaOperadora"`
	Epilogue       Epilogue               `xml:"ans:epilogo"`
}

// MessageHeader identifies the transaction, sender and receiver
type MessageHeader struct {
	Transaction TransactionID `xml:"ans:identificacaoTransacao"`
	Origin      Origin        `xml:"ans:origem"`
	Destination Destination   `xml:"ans:destino"`
	Version     string        `xml:"ans:versaoPadrao"`
}

type TransactionID struct {
	Type     string `xml:"ans:tipoTransacao"`
	Sequence int64  `xml:"ans:sequencialTransacao"`
	Date     string `xml:"ans:dataRegistroTransacao"`
	Time     string `xml:"ans:horaRegistroTransacao"`
}

type Origin struct {
	Provider ProviderID `xml:"ans:identificacaoPrestador"`
}

type ProviderID struct {
	OperatorCode string `xml:"ans:codigoPrestadorNaOperadora"`
}

type Destination struct {
	RegistroANS string `xml:"ans:registroANS"`
}

type ProviderToOperatorBody struct {
	Lot GuideLot `xml:"ans:loteGuias"`
}

// GuideLot holds pre-rendered guide fragments verbatim
type GuideLot struct {
	Number string    `xml:"ans:numeroLote"`
	Guides RawGuides `xml:"ans:guiasTISS"`
}

type RawGuides struct {
	Content []byte `xml:",innerxml"`
}

type Epilogue struct {
	Hash string `xml:"ans:hash"`
}

// ConsultationGuide is ans:guiaConsulta
type ConsultationGuide struct {
	XMLName            xml.Name               `xml:"ans:guiaConsulta"`
	Header             ConsultationHeader     `xml:"ans:cabecalhoConsulta"`
	OperatorNumber     string                 `xml:"ans:numeroGuiaOperadora,omitempty"`
	Beneficiary        BeneficiaryData        `xml:"ans:dadosBeneficiario"`
	Contractor         ContractorData         `xml:"ans:contratadoExecutante"`
	Professional       ProfessionalData       `xml:"ans:profissionalExecutante"`
	AccidentIndication string                 `xml:"ans:indicacaoAcidente"`
	Attendance         ConsultationAttendance `xml:"ans:dadosAtendimento"`
	Procedures         ExecutedProcedures     `xml:"ans:procedimentosExecutados"`
	Observation        string                 `xml:"ans:observacao,omitempty"`
	Total              TotalValue             `xml:"ans:valorTotal"`
}

type ConsultationHeader struct {
	RegistroANS    string `xml:"ans:registroANS"`
	ProviderNumber string `xml:"ans:numeroGuiaPrestador"`
}

type ConsultationAttendance struct {
	Date             string `xml:"ans:dataAtendimento"`
	ConsultationType string `xml:"ans:tipoConsulta"`
}

// SPSADTGuide is ans:guiaSP-SADT
type SPSADTGuide struct {
	XMLName       xml.Name           `xml:"ans:guiaSP-SADT"`
	Header        SPSADTHeader       `xml:"ans:cabecalhoGuia"`
	Authorization *AuthorizationData `xml:"ans:dadosAutorizacao,omitempty"`
	Beneficiary   BeneficiaryData    `xml:"ans:dadosBeneficiario"`
	Requester     RequesterData      `xml:"ans:dadosSolicitante"`
	Request       RequestData        `xml:"ans:dadosSolicitacao"`
	Executor      ExecutorData       `xml:"ans:dadosExecutante"`
	Attendance    SPSADTAttendance   `xml:"ans:dadosAtendimento"`
	Procedures    ExecutedProcedures `xml:"ans:procedimentosExecutados"`
	Observation   string             `xml:"ans:observacao,omitempty"`
	Total         TotalValue         `xml:"ans:valorTotal"`
}

type SPSADTHeader struct {
	RegistroANS    string `xml:"ans:registroANS"`
	ProviderNumber string `xml:"ans:numeroGuiaPrestador"`
}

type AuthorizationData struct {
	OperatorNumber string `xml:"ans:numeroGuiaOperadora,omitempty"`
	Date           string `xml:"ans:dataAutorizacao,omitempty"`
	Password       string `xml:"ans:senha,omitempty"`
}

type RequesterData struct {
	Contractor   ContractorData   `xml:"ans:contratadoSolicitante"`
	Professional ProfessionalData `xml:"ans:profissionalSolicitante"`
}

type RequestData struct {
	Date               string `xml:"ans:dataSolicitacao"`
	Character          string `xml:"ans:caraterAtendimento"`
	ClinicalIndication string `xml:"ans:indicacaoClinica,omitempty"`
}

type ExecutorData struct {
	Contractor ContractorData `xml:"ans:contratadoExecutante"`
}

type SPSADTAttendance struct {
	AttendanceType     string `xml:"ans:tipoAtendimento"`
	AccidentIndication string `xml:"ans:indicacaoAcidente"`
}

type BeneficiaryData struct {
	CardNumber string `xml:"ans:numeroCarteira"`
	Newborn    string `xml:"ans:atendimentoRN"`
	Name       string `xml:"ans:nomeBeneficiario"`
	CNS        string `xml:"ans:numeroCNS,omitempty"`
}

type ContractorData struct {
	OperatorCode string `xml:"ans:codigoPrestadorNaOperadora"`
	Name         string `xml:"ans:nomeContratado,omitempty"`
	CNES         string `xml:"ans:CNES,omitempty"`
}

type ProfessionalData struct {
	Name          string `xml:"ans:nomeProfissional"`
	Council       string `xml:"ans:conselhoProfissional"`
	CouncilNumber string `xml:"ans:numeroConselhoProfissional"`
	UF            string `xml:"ans:UF"`
	CBOS          string `xml:"ans:CBOS"`
}

type ExecutedProcedures struct {
	Items []ExecutedProcedure `xml:"ans:procedimentoExecutado"`
}

type ExecutedProcedure struct {
	Sequence      int           `xml:"ans:sequencialItem"`
	ExecutionDate string        `xml:"ans:dataExecucao"`
	Procedure     ProcedureCode `xml:"ans:procedimento"`
	Quantity      int           `xml:"ans:quantidadeExecutada"`
	UnitValue     Money         `xml:"ans:valorUnitario"`
	TotalValue    Money         `xml:"ans:valorTotal"`
}

type ProcedureCode struct {
	Table       string `xml:"ans:codigoTabela"`
	Code        string `xml:"ans:codigoProcedimento"`
	Description string `xml:"ans:descricaoProcedimento,omitempty"`
}

type TotalValue struct {
	Procedures Money `xml:"ans:valorProcedimentos"`
	Grand      Money `xml:"ans:valorTotalGeral"`
}
