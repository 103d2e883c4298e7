package parser

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/hcledger/claimsink/internal/types"
)

// Raw xml-tagged shapes. Dates and amounts stay strings here; conversion
// and validation happen in one place after decoding. Unknown elements are
// dropped by the decoder, which is the documented tolerance rule.
type xmlHeader struct {
	SenderID        string `xml:"SenderID"`
	ReceiverID      string `xml:"ReceiverID"`
	TransactionDate string `xml:"TransactionDate"`
	RecordCount     string `xml:"RecordCount"`
	DispositionFlag string `xml:"DispositionFlag"`
}

type xmlSubmissionClaim struct {
	ID               string             `xml:"ID"`
	IDPayer          string             `xml:"IDPayer"`
	MemberID         string             `xml:"MemberID"`
	PayerID          string             `xml:"PayerID"`
	ProviderID       string             `xml:"ProviderID"`
	EmiratesIDNumber string             `xml:"EmiratesIDNumber"`
	Gross            string             `xml:"Gross"`
	PatientShare     string             `xml:"PatientShare"`
	Net              string             `xml:"Net"`
	Encounter        *xmlEncounter      `xml:"Encounter"`
	Diagnoses        []xmlDiagnosis     `xml:"Diagnosis"`
	Activities       []xmlActivity      `xml:"Activity"`
	Resubmission     *xmlResubmission   `xml:"Resubmission"`
}

type xmlEncounter struct {
	FacilityID string `xml:"FacilityID"`
	Type       string `xml:"Type"`
	PatientID  string `xml:"PatientID"`
	Start      string `xml:"Start"`
	End        string `xml:"End"`
}

type xmlDiagnosis struct {
	Type string `xml:"Type"`
	Code string `xml:"Code"`
}

type xmlActivity struct {
	ID           string           `xml:"ID"`
	Start        string           `xml:"Start"`
	Type         string           `xml:"Type"`
	Code         string           `xml:"Code"`
	Quantity     string           `xml:"Quantity"`
	Net          string           `xml:"Net"`
	Clinician    string           `xml:"Clinician"`
	PriorAuthID  string           `xml:"PriorAuthorizationID"`
	Observations []xmlObservation `xml:"Observation"`
}

type xmlObservation struct {
	Type      string `xml:"Type"`
	Code      string `xml:"Code"`
	Value     string `xml:"Value"`
	ValueType string `xml:"ValueType"`
}

type xmlResubmission struct {
	Type       string `xml:"Type"`
	Comment    string `xml:"Comment"`
	Attachment string `xml:"Attachment"`
}

// parseSubmission consumes the children of an open Claim.Submission root.
func parseSubmission(dec *xml.Decoder, parsed *types.Parsed) error {
	sub := &types.SubmissionFile{}
	parsed.Submission = sub
	sawHeader := false
	claimIdx := 0

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return malformed(dec, RootElemSubmission, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "Header":
			var h xmlHeader
			if err := dec.DecodeElement(&h, &se); err != nil {
				return malformed(dec, RootElemSubmission+"/Header", err)
			}
			hdr, perr := convertHeader(dec, RootElemSubmission, h)
			if perr != nil {
				return perr
			}
			parsed.Header = hdr
			sawHeader = true
		case "Claim":
			claimIdx++
			path := fmt.Sprintf("%s/Claim[%d]", RootElemSubmission, claimIdx)
			var xc xmlSubmissionClaim
			if err := dec.DecodeElement(&xc, &se); err != nil {
				return malformed(dec, path, err)
			}
			claim, perr := convertSubmissionClaim(dec, path, xc, &parsed.Counts)
			if perr != nil {
				return perr
			}
			sub.Claims = append(sub.Claims, claim)
			parsed.Counts.Claims++
		default:
			if err := dec.Skip(); err != nil {
				return malformed(dec, RootElemSubmission+"/"+se.Name.Local, err)
			}
		}
	}

	if !sawHeader {
		return schemaErr(dec, RootElemSubmission, "missing Header")
	}
	if len(sub.Claims) == 0 {
		return schemaErr(dec, RootElemSubmission, "document has no Claim elements")
	}
	parsed.Counts.Events = parsed.CountEvents()
	return nil
}

func convertHeader(dec *xml.Decoder, path string, h xmlHeader) (types.Header, *ParseError) {
	hdr := types.Header{
		SenderID:        strings.TrimSpace(h.SenderID),
		ReceiverID:      strings.TrimSpace(h.ReceiverID),
		DispositionFlag: strings.TrimSpace(h.DispositionFlag),
	}
	if hdr.SenderID == "" {
		return hdr, schemaErr(dec, path+"/Header", "missing SenderID")
	}
	if t, ok := parseDate(h.TransactionDate); ok {
		hdr.TransactionDate = t
	} else if strings.TrimSpace(h.TransactionDate) != "" {
		return hdr, fieldErr(dec, path+"/Header/TransactionDate", "malformed date "+h.TransactionDate)
	}
	if n, ok := parseInt(h.RecordCount); ok {
		hdr.RecordCount = n
	}
	return hdr, nil
}

func convertSubmissionClaim(dec *xml.Decoder, path string, xc xmlSubmissionClaim, counts *types.Counts) (types.SubmissionClaim, *ParseError) {
	c := types.SubmissionClaim{
		ID:               strings.TrimSpace(xc.ID),
		IDPayer:          strings.TrimSpace(xc.IDPayer),
		MemberID:         strings.TrimSpace(xc.MemberID),
		PayerID:          strings.TrimSpace(xc.PayerID),
		ProviderID:       strings.TrimSpace(xc.ProviderID),
		EmiratesIDNumber: strings.TrimSpace(xc.EmiratesIDNumber),
	}
	if c.ID == "" {
		return c, schemaErr(dec, path, "Claim missing ID")
	}
	var ok bool
	if c.Gross, ok = parseDecimal(xc.Gross); !ok && strings.TrimSpace(xc.Gross) != "" {
		return c, fieldErr(dec, path+"/Gross", "malformed amount "+xc.Gross)
	}
	if c.PatientShare, ok = parseDecimal(xc.PatientShare); !ok && strings.TrimSpace(xc.PatientShare) != "" {
		return c, fieldErr(dec, path+"/PatientShare", "malformed amount "+xc.PatientShare)
	}
	if c.Net, ok = parseDecimal(xc.Net); !ok && strings.TrimSpace(xc.Net) != "" {
		return c, fieldErr(dec, path+"/Net", "malformed amount "+xc.Net)
	}

	if xc.Encounter != nil {
		enc := types.Encounter{
			FacilityID: strings.TrimSpace(xc.Encounter.FacilityID),
			Type:       strings.TrimSpace(xc.Encounter.Type),
			PatientID:  strings.TrimSpace(xc.Encounter.PatientID),
		}
		if t, ok := parseDate(xc.Encounter.Start); ok {
			enc.Start = t
		}
		if t, ok := parseDate(xc.Encounter.End); ok {
			enc.End = t
		}
		c.Encounter = &enc
		counts.Encounters++
	}

	for i, xd := range xc.Diagnoses {
		d := types.Diagnosis{Type: strings.TrimSpace(xd.Type), Code: strings.TrimSpace(xd.Code)}
		if d.Code == "" {
			return c, schemaErr(dec, fmt.Sprintf("%s/Diagnosis[%d]", path, i+1), "Diagnosis missing Code")
		}
		c.Diagnoses = append(c.Diagnoses, d)
		counts.Diagnoses++
	}

	for i, xa := range xc.Activities {
		apath := fmt.Sprintf("%s/Activity[%d]", path, i+1)
		a := types.Activity{
			ID:          strings.TrimSpace(xa.ID),
			Type:        strings.TrimSpace(xa.Type),
			Code:        strings.TrimSpace(xa.Code),
			Clinician:   strings.TrimSpace(xa.Clinician),
			PriorAuthID: strings.TrimSpace(xa.PriorAuthID),
		}
		if a.ID == "" {
			return c, schemaErr(dec, apath, "Activity missing ID")
		}
		if t, ok := parseDate(xa.Start); ok {
			a.Start = t
		} else if strings.TrimSpace(xa.Start) != "" {
			return c, fieldErr(dec, apath+"/Start", "malformed date "+xa.Start)
		}
		if a.Quantity, ok = parseDecimal(xa.Quantity); !ok && strings.TrimSpace(xa.Quantity) != "" {
			return c, fieldErr(dec, apath+"/Quantity", "malformed quantity "+xa.Quantity)
		}
		if a.Net, ok = parseDecimal(xa.Net); !ok {
			return c, fieldErr(dec, apath+"/Net", "missing or malformed Net")
		}
		if a.Net.IsNegative() {
			return c, fieldErr(dec, apath+"/Net", "Activity.Net must be non-negative, got "+a.Net.String())
		}
		for _, xo := range xa.Observations {
			a.Observations = append(a.Observations, types.Observation{
				Type:      strings.TrimSpace(xo.Type),
				Code:      strings.TrimSpace(xo.Code),
				Value:     strings.TrimSpace(xo.Value),
				ValueType: strings.TrimSpace(xo.ValueType),
			})
			counts.Observations++
		}
		c.Activities = append(c.Activities, a)
		counts.Activities++
	}

	if xc.Resubmission != nil {
		r := types.Resubmission{
			Type:       strings.TrimSpace(xc.Resubmission.Type),
			Comment:    strings.TrimSpace(xc.Resubmission.Comment),
			Attachment: strings.TrimSpace(xc.Resubmission.Attachment),
		}
		if r.Type == "" {
			return c, schemaErr(dec, path+"/Resubmission", "Resubmission missing Type")
		}
		c.Resubmission = &r
	}
	return c, nil
}
