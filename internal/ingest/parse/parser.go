// Package parse decodes claim submission and remittance advice XML documents
// into the model shapes the persistence layer consumes.
package parse

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/acme/claims/internal/ingest/model"
)

const (
	rootSubmission = "Claim.Submission"
	rootRemittance = "Remittance.Advice"
)

// Sender systems are inconsistent about timestamp formats; try the common
// ones in order of how often they actually show up.
var timeLayouts = []string{
	"02/01/2006 15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"02/01/2006",
}

type Parser struct {
	log zerolog.Logger
}

func NewParser(log zerolog.Logger) *Parser {
	return &Parser{log: log.With().Str("component", "parse").Logger()}
}

// Parse decodes one document. The root element decides whether the result
// carries Claims or RemittanceClaims.
func (p *Parser) Parse(fileID, fileName string, r io.Reader) (*model.ParsedFile, error) {
	dec := xml.NewDecoder(r)

	root, err := firstElement(dec)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fileID, err)
	}

	switch root.Name.Local {
	case rootSubmission:
		return p.parseSubmission(fileID, fileName, dec, root)
	case rootRemittance:
		return p.parseRemittance(fileID, fileName, dec, root)
	default:
		return nil, fmt.Errorf("parse %s: unsupported root element %q", fileID, root.Name.Local)
	}
}

func firstElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, fmt.Errorf("no root element: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

type xmlHeader struct {
	SenderID        string `xml:"SenderID"`
	ReceiverID      string `xml:"ReceiverID"`
	TransactionDate string `xml:"TransactionDate"`
	RecordCount     int    `xml:"RecordCount"`
	DispositionFlag string `xml:"DispositionFlag"`
}

type xmlSubmission struct {
	Header xmlHeader  `xml:"Header"`
	Claims []xmlClaim `xml:"Claim"`
}

type xmlClaim struct {
	ID               string           `xml:"ID"`
	IDPayer          string           `xml:"IDPayer"`
	MemberID         string           `xml:"MemberID"`
	PayerID          string           `xml:"PayerID"`
	ProviderID       string           `xml:"ProviderID"`
	EmiratesIDNumber string           `xml:"EmiratesIDNumber"`
	Gross            string           `xml:"Gross"`
	PatientShare     string           `xml:"PatientShare"`
	Net              string           `xml:"Net"`
	Comments         string           `xml:"Comments"`
	Resubmission     *xmlResubmission `xml:"Resubmission"`
	Diagnoses        []xmlDiagnosis   `xml:"Diagnosis"`
	Activities       []xmlActivity    `xml:"Activity"`
}

type xmlResubmission struct {
	Type       string `xml:"Type"`
	Comment    string `xml:"Comment"`
	Attachment string `xml:"Attachment"`
}

type xmlDiagnosis struct {
	Type string `xml:"Type"`
	Code string `xml:"Code"`
}

type xmlActivity struct {
	ID                   string           `xml:"ID"`
	Start                string           `xml:"Start"`
	Type                 string           `xml:"Type"`
	Code                 string           `xml:"Code"`
	Quantity             string           `xml:"Quantity"`
	Net                  string           `xml:"Net"`
	Clinician            string           `xml:"Clinician"`
	PriorAuthorizationID string           `xml:"PriorAuthorizationID"`
	Observations         []xmlObservation `xml:"Observation"`
}

type xmlObservation struct {
	Type      string `xml:"Type"`
	Code      string `xml:"Code"`
	Value     string `xml:"Value"`
	ValueType string `xml:"ValueType"`
}

type xmlRemittance struct {
	Header xmlHeader            `xml:"Header"`
	Claims []xmlRemittanceClaim `xml:"Claim"`
}

type xmlRemittanceClaim struct {
	ID               string                  `xml:"ID"`
	IDPayer          string                  `xml:"IDPayer"`
	ProviderID       string                  `xml:"ProviderID"`
	DenialCode       string                  `xml:"DenialCode"`
	PaymentReference string                  `xml:"PaymentReference"`
	DateSettlement   string                  `xml:"DateSettlement"`
	Activities       []xmlRemittanceActivity `xml:"Activity"`
}

type xmlRemittanceActivity struct {
	ID                   string `xml:"ID"`
	Start                string `xml:"Start"`
	Type                 string `xml:"Type"`
	Code                 string `xml:"Code"`
	Quantity             string `xml:"Quantity"`
	Net                  string `xml:"Net"`
	Gross                string `xml:"Gross"`
	PatientShare         string `xml:"PatientShare"`
	PaymentAmount        string `xml:"PaymentAmount"`
	DenialCode           string `xml:"DenialCode"`
	Clinician            string `xml:"Clinician"`
	PriorAuthorizationID string `xml:"PriorAuthorizationID"`
}

func (p *Parser) parseSubmission(fileID, fileName string, dec *xml.Decoder, root xml.StartElement) (*model.ParsedFile, error) {
	var doc xmlSubmission
	if err := dec.DecodeElement(&doc, &root); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fileID, err)
	}

	f := &model.ParsedFile{
		FileID:   fileID,
		FileName: fileName,
		RootType: model.RootSubmission,
		Header:   p.header(fileID, doc.Header),
	}
	for i := range doc.Claims {
		f.Claims = append(f.Claims, p.claim(fileID, doc.Claims[i]))
	}

	p.log.Debug().Str("file_id", fileID).Int("claims", len(f.Claims)).Msg("submission parsed")
	return f, nil
}

func (p *Parser) parseRemittance(fileID, fileName string, dec *xml.Decoder, root xml.StartElement) (*model.ParsedFile, error) {
	var doc xmlRemittance
	if err := dec.DecodeElement(&doc, &root); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fileID, err)
	}

	f := &model.ParsedFile{
		FileID:   fileID,
		FileName: fileName,
		RootType: model.RootRemittance,
		Header:   p.header(fileID, doc.Header),
	}
	for i := range doc.Claims {
		f.RemittanceClaims = append(f.RemittanceClaims, p.remittanceClaim(fileID, doc.Claims[i]))
	}

	p.log.Debug().Str("file_id", fileID).Int("claims", len(f.RemittanceClaims)).Msg("remittance parsed")
	return f, nil
}

func (p *Parser) header(fileID string, h xmlHeader) model.Header {
	out := model.Header{
		SenderID:        strings.TrimSpace(h.SenderID),
		ReceiverID:      strings.TrimSpace(h.ReceiverID),
		RecordCount:     h.RecordCount,
		DispositionFlag: strings.TrimSpace(h.DispositionFlag),
	}
	if t := p.parseTime(fileID, "Header/TransactionDate", h.TransactionDate); t != nil {
		out.TransactionDate = *t
	}
	return out
}

func (p *Parser) claim(fileID string, c xmlClaim) model.Claim {
	out := model.Claim{
		ID:               strings.TrimSpace(c.ID),
		IDPayer:          strings.TrimSpace(c.IDPayer),
		MemberID:         strings.TrimSpace(c.MemberID),
		PayerID:          strings.TrimSpace(c.PayerID),
		ProviderID:       strings.TrimSpace(c.ProviderID),
		EmiratesIDNumber: strings.TrimSpace(c.EmiratesIDNumber),
		Gross:            p.money(fileID, "Claim/Gross", c.Gross),
		PatientShare:     p.money(fileID, "Claim/PatientShare", c.PatientShare),
		Net:              p.money(fileID, "Claim/Net", c.Net),
		Comments:         strings.TrimSpace(c.Comments),
	}
	if c.Resubmission != nil {
		out.Resubmission = &model.Resubmission{
			Type:       strings.TrimSpace(c.Resubmission.Type),
			Comment:    strings.TrimSpace(c.Resubmission.Comment),
			Attachment: p.attachment(fileID, out.ID, c.Resubmission.Attachment),
		}
	}
	for _, d := range c.Diagnoses {
		out.Diagnoses = append(out.Diagnoses, model.Diagnosis{
			Type: strings.TrimSpace(d.Type),
			Code: strings.TrimSpace(d.Code),
		})
	}
	for i := range c.Activities {
		out.Activities = append(out.Activities, p.activity(fileID, c.Activities[i]))
	}
	return out
}

func (p *Parser) activity(fileID string, a xmlActivity) model.Activity {
	out := model.Activity{
		ID:                   strings.TrimSpace(a.ID),
		Start:                p.parseTime(fileID, "Activity/Start", a.Start),
		Type:                 strings.TrimSpace(a.Type),
		Code:                 strings.TrimSpace(a.Code),
		Quantity:             p.money(fileID, "Activity/Quantity", a.Quantity),
		Net:                  p.money(fileID, "Activity/Net", a.Net),
		Clinician:            strings.TrimSpace(a.Clinician),
		PriorAuthorizationID: strings.TrimSpace(a.PriorAuthorizationID),
	}
	for _, o := range a.Observations {
		out.Observations = append(out.Observations, model.Observation{
			Type:      strings.TrimSpace(o.Type),
			Code:      strings.TrimSpace(o.Code),
			Value:     strings.TrimSpace(o.Value),
			ValueType: strings.TrimSpace(o.ValueType),
		})
	}
	return out
}

func (p *Parser) remittanceClaim(fileID string, c xmlRemittanceClaim) model.RemittanceClaim {
	out := model.RemittanceClaim{
		ID:               strings.TrimSpace(c.ID),
		IDPayer:          strings.TrimSpace(c.IDPayer),
		ProviderID:       strings.TrimSpace(c.ProviderID),
		DenialCode:       strings.TrimSpace(c.DenialCode),
		PaymentReference: strings.TrimSpace(c.PaymentReference),
		DateSettlement:   p.parseTime(fileID, "Claim/DateSettlement", c.DateSettlement),
	}
	for _, a := range c.Activities {
		out.Activities = append(out.Activities, model.RemittanceActivity{
			ID:                   strings.TrimSpace(a.ID),
			Start:                p.parseTime(fileID, "Activity/Start", a.Start),
			Type:                 strings.TrimSpace(a.Type),
			Code:                 strings.TrimSpace(a.Code),
			Quantity:             p.money(fileID, "Activity/Quantity", a.Quantity),
			Net:                  p.money(fileID, "Activity/Net", a.Net),
			Gross:                p.money(fileID, "Activity/Gross", a.Gross),
			PatientShare:         p.money(fileID, "Activity/PatientShare", a.PatientShare),
			PaymentAmount:        p.money(fileID, "Activity/PaymentAmount", a.PaymentAmount),
			DenialCode:           strings.TrimSpace(a.DenialCode),
			Clinician:            strings.TrimSpace(a.Clinician),
			PriorAuthorizationID: strings.TrimSpace(a.PriorAuthorizationID),
		})
	}
	return out
}

// money parses a decimal amount; blank or malformed values become zero with a
// warning rather than failing the whole file.
func (p *Parser) money(fileID, field, s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		p.log.Warn().Str("file_id", fileID).Str("field", field).Str("value", s).
			Msg("unparseable amount, treated as zero")
		return decimal.Zero
	}
	return d
}

func (p *Parser) parseTime(fileID, field, s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	p.log.Warn().Str("file_id", fileID).Str("field", field).Str("value", s).
		Msg("unparseable timestamp, dropped")
	return nil
}

func (p *Parser) attachment(fileID, claimID, s string) []byte {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		p.log.Warn().Str("file_id", fileID).Str("claim_id", claimID).
			Msg("resubmission attachment is not valid base64, dropped")
		return nil
	}
	return b
}
