package tiss

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

// ErrUnsupportedGuideType is returned for guide kinds that are stored but not rendered.
var ErrUnsupportedGuideType = errors.New("unsupported guide type")

// BuildGuideXML dispatches on the guide type.
func BuildGuideXML(g Guide) ([]byte, error) {
	switch g.Type {
	case GuideConsultation:
		return BuildConsultationGuideXML(g)
	case GuideSPSADT:
		return BuildSPSADTGuideXML(g)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedGuideType, g.Type)
	}
}

// BuildConsultationGuideXML renders an ans:guiaConsulta fragment.
func BuildConsultationGuideXML(g Guide) ([]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	total := g.Total()
	doc := ConsultationGuide{
		Header: ConsultationHeader{
			RegistroANS:    g.RegistroANS,
			ProviderNumber: g.Number,
		},
		OperatorNumber:     g.OperatorNumber,
		Beneficiary:        beneficiaryData(g.Beneficiary),
		Contractor:         contractorData(g.Contractor),
		Professional:       professionalData(g.Professional),
		AccidentIndication: orDefault(g.AccidentIndication, "9"),
		Attendance: ConsultationAttendance{
			Date:             g.ExecutionDate.Format(dateLayout),
			ConsultationType: orDefault(g.ConsultationType, "1"),
		},
		Procedures:  executedProcedures(g),
		Observation: g.Observations,
		Total:       TotalValue{Procedures: total, Grand: total},
	}
	return marshalFragment(doc)
}

// BuildSPSADTGuideXML renders an ans:guiaSP-SADT fragment.
func BuildSPSADTGuideXML(g Guide) ([]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	requester := g.Professional
	if g.Requester != nil {
		requester = *g.Requester
	}
	issue := g.IssueDate
	if issue.IsZero() {
		issue = g.ExecutionDate
	}

	total := g.Total()
	doc := SPSADTGuide{
		Header: SPSADTHeader{
			RegistroANS:    g.RegistroANS,
			ProviderNumber: g.Number,
		},
		Authorization: authorizationData(g),
		Beneficiary:   beneficiaryData(g.Beneficiary),
		Requester: RequesterData{
			Contractor:   contractorData(g.Contractor),
			Professional: professionalData(requester),
		},
		Request: RequestData{
			Date:               issue.Format(dateLayout),
			Character:          orDefault(g.AttendanceCharacter, "1"),
			ClinicalIndication: g.ClinicalIndication,
		},
		Executor: ExecutorData{Contractor: contractorData(g.Contractor)},
		Attendance: SPSADTAttendance{
			AttendanceType:     orDefault(g.AttendanceType, "05"),
			AccidentIndication: orDefault(g.AccidentIndication, "9"),
		},
		Procedures:  executedProcedures(g),
		Observation: g.Observations,
		Total:       TotalValue{Procedures: total, Grand: total},
	}
	return marshalFragment(doc)
}

// SubmissionHeader carries everything in the envelope that is not a guide.
type SubmissionHeader struct {
	TransactionSequence int64
	LotNumber           int64
	ProviderCode        string
	RegistroANS         string
	Timestamp           time.Time
}

// Submission is a rendered mensagemTISS with its epilogue hash and aggregates.
type Submission struct {
	XML        []byte
	Hash       string
	Total      Money
	GuideCount int
}

// BuildSubmissionXML concatenates guide fragments in input order into one lot.
// Output depends only on its arguments.
func BuildSubmissionXML(h SubmissionHeader, guides []Guide) (*Submission, error) {
	if len(guides) == 0 {
		return nil, &ValidationError{Field: "guides", Message: "at least one guide is required"}
	}
	if h.ProviderCode == "" {
		return nil, &ValidationError{Field: "provider_code", Message: "is required"}
	}
	if h.RegistroANS == "" {
		return nil, &ValidationError{Field: "registro_ans", Message: "is required"}
	}

	var fragments bytes.Buffer
	var total Money
	for i, g := range guides {
		frag, err := BuildGuideXML(g)
		if err != nil {
			return nil, fmt.Errorf("guide %d (%s): %w", i, g.Number, err)
		}
		fragments.Write(frag)
		total += g.Total()
	}

	hash := ContentHash(fragments.Bytes())
	ts := h.Timestamp.UTC()
	msg := Message{
		XmlnsAns:       Namespace,
		XmlnsXsi:       NamespaceXSI,
		SchemaLocation: SchemaLocation,
		Header: MessageHeader{
			Transaction: TransactionID{
				Type:     TransactionSendBatch,
				Sequence: h.TransactionSequence,
				Date:     ts.Format(dateLayout),
				Time:     ts.Format(timeLayout),
			},
			Origin:      Origin{Provider: ProviderID{OperatorCode: h.ProviderCode}},
			Destination: Destination{RegistroANS: h.RegistroANS},
			Version:     Version,
		},
		Body: ProviderToOperatorBody{
			Lot: GuideLot{
				Number: strconv.FormatInt(h.LotNumber, 10),
				Guides: RawGuides{Content: fragments.Bytes()},
			},
		},
		Epilogue: Epilogue{Hash: hash},
	}

	out, err := xml.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal mensagemTISS: %w", err)
	}

	return &Submission{
		XML:        append([]byte(xml.Header), out...),
		Hash:       hash,
		Total:      total,
		GuideCount: len(guides),
	}, nil
}

// ContentHash is the epilogue hash: hex MD5 of the concatenated guide fragments.
func ContentHash(fragments []byte) string {
	sum := md5.Sum(fragments)
	return hex.EncodeToString(sum[:])
}

func marshalFragment(v interface{}) ([]byte, error) {
	out, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal guide: %w", err)
	}
	return out, nil
}

func executedProcedures(g Guide) ExecutedProcedures {
	items := make([]ExecutedProcedure, 0, len(g.Procedures))
	for i, p := range g.Procedures {
		date := p.ExecutionDate
		if date.IsZero() {
			date = g.ExecutionDate
		}
		items = append(items, ExecutedProcedure{
			Sequence:      i + 1,
			ExecutionDate: date.Format(dateLayout),
			Procedure: ProcedureCode{
				Table:       orDefault(p.Table, DefaultTableCode),
				Code:        p.Code,
				Description: p.Description,
			},
			Quantity:   p.Quantity,
			UnitValue:  p.UnitPrice,
			TotalValue: p.Total(),
		})
	}
	return ExecutedProcedures{Items: items}
}

func beneficiaryData(b Beneficiary) BeneficiaryData {
	rn := "N"
	if b.Newborn {
		rn = "S"
	}
	return BeneficiaryData{
		CardNumber: b.CardNumber,
		Newborn:    rn,
		Name:       b.Name,
		CNS:        b.CNS,
	}
}

func contractorData(c Contractor) ContractorData {
	return ContractorData{
		OperatorCode: c.OperatorCode,
		Name:         c.Name,
		CNES:         c.CNES,
	}
}

func professionalData(p Professional) ProfessionalData {
	return ProfessionalData{
		Name:          p.Name,
		Council:       CouncilCode(p.Council),
		CouncilNumber: p.CouncilNumber,
		UF:            UFCode(p.UF),
		CBOS:          orDefault(p.CBOS, DefaultCBOS),
	}
}

func authorizationData(g Guide) *AuthorizationData {
	if g.OperatorNumber == "" && g.AuthorizationPassword == "" && g.AuthorizationDate == nil {
		return nil
	}
	a := &AuthorizationData{
		OperatorNumber: g.OperatorNumber,
		Password:       g.AuthorizationPassword,
	}
	if g.AuthorizationDate != nil {
		a.Date = g.AuthorizationDate.Format(dateLayout)
	}
	return a
}
