package parser

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/hcledger/claimsink/internal/types"
)

type xmlRemittanceClaim struct {
	ID               string                   `xml:"ID"`
	IDPayer          string                   `xml:"IDPayer"`
	ProviderID       string                   `xml:"ProviderID"`
	DateSettlement   string                   `xml:"DateSettlement"`
	PaymentReference string                   `xml:"PaymentReference"`
	Activities       []xmlRemittanceActivity  `xml:"Activity"`
}

type xmlRemittanceActivity struct {
	ID            string `xml:"ID"`
	Start         string `xml:"Start"`
	Type          string `xml:"Type"`
	Code          string `xml:"Code"`
	Quantity      string `xml:"Quantity"`
	Net           string `xml:"Net"`
	List          string `xml:"List"`
	Clinician     string `xml:"Clinician"`
	PaymentAmount string `xml:"PaymentAmount"`
	DenialCode    string `xml:"DenialCode"`
}

// parseRemittance consumes the children of an open Remittance.Advice root.
func parseRemittance(dec *xml.Decoder, parsed *types.Parsed) error {
	rem := &types.RemittanceFile{}
	parsed.Remittance = rem
	sawHeader := false
	claimIdx := 0

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return malformed(dec, RootElemRemittance, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "Header":
			var h xmlHeader
			if err := dec.DecodeElement(&h, &se); err != nil {
				return malformed(dec, RootElemRemittance+"/Header", err)
			}
			hdr, perr := convertHeader(dec, RootElemRemittance, h)
			if perr != nil {
				return perr
			}
			parsed.Header = hdr
			sawHeader = true
		case "Claim":
			claimIdx++
			path := fmt.Sprintf("%s/Claim[%d]", RootElemRemittance, claimIdx)
			var xc xmlRemittanceClaim
			if err := dec.DecodeElement(&xc, &se); err != nil {
				return malformed(dec, path, err)
			}
			claim, perr := convertRemittanceClaim(dec, path, xc, &parsed.Counts)
			if perr != nil {
				return perr
			}
			rem.Claims = append(rem.Claims, claim)
			parsed.Counts.Claims++
		default:
			if err := dec.Skip(); err != nil {
				return malformed(dec, RootElemRemittance+"/"+se.Name.Local, err)
			}
		}
	}

	if !sawHeader {
		return schemaErr(dec, RootElemRemittance, "missing Header")
	}
	if len(rem.Claims) == 0 {
		return schemaErr(dec, RootElemRemittance, "document has no Claim elements")
	}
	parsed.Counts.Events = parsed.CountEvents()
	return nil
}

func convertRemittanceClaim(dec *xml.Decoder, path string, xc xmlRemittanceClaim, counts *types.Counts) (types.RemittanceClaim, *ParseError) {
	c := types.RemittanceClaim{
		ID:               strings.TrimSpace(xc.ID),
		IDPayer:          strings.TrimSpace(xc.IDPayer),
		ProviderID:       strings.TrimSpace(xc.ProviderID),
		PaymentReference: strings.TrimSpace(xc.PaymentReference),
	}
	if c.ID == "" {
		return c, schemaErr(dec, path, "Claim missing ID")
	}
	if t, ok := parseDate(xc.DateSettlement); ok {
		c.DateSettlement = t
	} else if strings.TrimSpace(xc.DateSettlement) != "" {
		return c, fieldErr(dec, path+"/DateSettlement", "malformed date "+xc.DateSettlement)
	}

	for i, xa := range xc.Activities {
		apath := fmt.Sprintf("%s/Activity[%d]", path, i+1)
		a := types.RemittanceActivity{
			ID:         strings.TrimSpace(xa.ID),
			Type:       strings.TrimSpace(xa.Type),
			Code:       strings.TrimSpace(xa.Code),
			Clinician:  strings.TrimSpace(xa.Clinician),
			DenialCode: strings.TrimSpace(xa.DenialCode),
		}
		if a.ID == "" {
			return c, schemaErr(dec, apath, "Activity missing ID")
		}
		var ok bool
		if t, ok := parseDate(xa.Start); ok {
			a.Start = t
		}
		if a.Quantity, ok = parseDecimal(xa.Quantity); !ok && strings.TrimSpace(xa.Quantity) != "" {
			return c, fieldErr(dec, apath+"/Quantity", "malformed quantity "+xa.Quantity)
		}
		if a.Net, ok = parseDecimal(xa.Net); !ok && strings.TrimSpace(xa.Net) != "" {
			return c, fieldErr(dec, apath+"/Net", "malformed amount "+xa.Net)
		}
		if a.ListPrice, ok = parseDecimal(xa.List); !ok && strings.TrimSpace(xa.List) != "" {
			return c, fieldErr(dec, apath+"/List", "malformed amount "+xa.List)
		}
		// PaymentAmount is signed: negative values express take-backs.
		if a.PaymentAmount, ok = parseDecimal(xa.PaymentAmount); !ok && strings.TrimSpace(xa.PaymentAmount) != "" {
			return c, fieldErr(dec, apath+"/PaymentAmount", "malformed amount "+xa.PaymentAmount)
		}
		c.Activities = append(c.Activities, a)
		counts.Activities++
	}
	return c, nil
}
