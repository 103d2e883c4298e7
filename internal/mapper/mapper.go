// Package mapper translates the parsed DTO tree into the relational RowSet
// consumed by the persist stage, resolving coded fields to reference-table
// surrogate ids along the way.
package mapper

import (
	"context"
	"fmt"
	"time"

	"github.com/hcledger/claimsink/internal/refdata"
	"github.com/hcledger/claimsink/internal/storage"
	"github.com/hcledger/claimsink/internal/types"
)

// Map builds the RowSet for one parsed file. Resolution is memoized per
// file through the resolver session, so a code appearing many times in the
// document is looked up once.
func Map(ctx context.Context, parsed *types.Parsed, resolver *refdata.Resolver) (*storage.RowSet, error) {
	rs := &storage.RowSet{
		File: storage.FileRow{
			FileID:          parsed.FileID,
			RootType:        parsed.Root,
			SenderID:        parsed.Header.SenderID,
			ReceiverID:      parsed.Header.ReceiverID,
			TransactionDate: parsed.Header.TransactionDate,
			RecordCount:     parsed.Header.RecordCount,
			RawHash:         parsed.RawHash,
		},
		Parsed: parsed.Counts,
	}

	sess := resolver.Session(parsed.FileID)

	switch parsed.Root {
	case types.RootSubmission:
		for i := range parsed.Submission.Claims {
			row, err := mapSubmissionClaim(ctx, sess, &parsed.Submission.Claims[i], parsed.Header.TransactionDate)
			if err != nil {
				return nil, err
			}
			rs.Claims = append(rs.Claims, row)
		}
	case types.RootRemittance:
		for i := range parsed.Remittance.Claims {
			row, err := mapRemitClaim(ctx, sess, &parsed.Remittance.Claims[i])
			if err != nil {
				return nil, err
			}
			rs.RemitClaims = append(rs.RemitClaims, row)
		}
	default:
		return nil, types.NewError(types.KindPersistValidation, types.StagePersisting,
			fmt.Sprintf("unmapped root type %v", parsed.Root), nil)
	}
	return rs, nil
}

func mapSubmissionClaim(ctx context.Context, sess *refdata.Session, c *types.SubmissionClaim, txAt time.Time) (storage.ClaimRow, error) {
	row := storage.ClaimRow{
		ClaimID:          c.ID,
		IDPayer:          c.IDPayer,
		ProviderID:       c.ProviderID,
		MemberID:         c.MemberID,
		EmiratesIDNumber: c.EmiratesIDNumber,
		Gross:            c.Gross,
		PatientShare:     c.PatientShare,
		Net:              c.Net,
		TxAt:             txAt,
	}

	var err error
	if row.PayerRefID, err = sess.Resolve(ctx, storage.RefPayer, payerCode(c)); err != nil {
		return row, refErr(err)
	}
	if row.ProviderRefID, err = sess.Resolve(ctx, storage.RefProvider, c.ProviderID); err != nil {
		return row, refErr(err)
	}

	if c.Encounter != nil {
		enc := storage.EncounterRow{
			FacilityID: c.Encounter.FacilityID,
			Type:       c.Encounter.Type,
			PatientID:  c.Encounter.PatientID,
			Start:      c.Encounter.Start,
			End:        c.Encounter.End,
		}
		if enc.FacilityRefID, err = sess.Resolve(ctx, storage.RefFacility, enc.FacilityID); err != nil {
			return row, refErr(err)
		}
		row.Encounter = &enc
	}

	for i := range c.Activities {
		a := &c.Activities[i]
		ar := storage.ActivityRow{
			ActivityID:  a.ID,
			Start:       a.Start,
			Type:        a.Type,
			Code:        a.Code,
			Quantity:    a.Quantity,
			Net:         a.Net,
			Clinician:   a.Clinician,
			PriorAuthID: a.PriorAuthID,
		}
		if ar.CodeRefID, err = sess.Resolve(ctx, storage.RefActivity, a.Code); err != nil {
			return row, refErr(err)
		}
		if ar.ClinicianRefID, err = sess.Resolve(ctx, storage.RefClinician, a.Clinician); err != nil {
			return row, refErr(err)
		}
		for _, o := range a.Observations {
			ar.Observations = append(ar.Observations, storage.ObservationRow{
				Type: o.Type, Code: o.Code, Value: o.Value, ValueType: o.ValueType,
			})
		}
		row.Activities = append(row.Activities, ar)
	}

	for _, d := range c.Diagnoses {
		dr := storage.DiagnosisRow{Type: d.Type, Code: d.Code}
		if dr.CodeRefID, err = sess.Resolve(ctx, storage.RefDiagnosis, d.Code); err != nil {
			return row, refErr(err)
		}
		row.Diagnoses = append(row.Diagnoses, dr)
	}

	if c.Resubmission != nil {
		row.Resubmission = &storage.ResubmissionRow{
			Type:       c.Resubmission.Type,
			Comment:    c.Resubmission.Comment,
			Attachment: c.Resubmission.Attachment,
		}
	}
	return row, nil
}

func mapRemitClaim(ctx context.Context, sess *refdata.Session, c *types.RemittanceClaim) (storage.RemitClaimRow, error) {
	row := storage.RemitClaimRow{
		ClaimID:          c.ID,
		IDPayer:          c.IDPayer,
		ProviderID:       c.ProviderID,
		DateSettlement:   c.DateSettlement,
		PaymentReference: c.PaymentReference,
	}

	var err error
	if row.PayerRefID, err = sess.Resolve(ctx, storage.RefPayer, c.IDPayer); err != nil {
		return row, refErr(err)
	}
	if row.ProviderRefID, err = sess.Resolve(ctx, storage.RefProvider, c.ProviderID); err != nil {
		return row, refErr(err)
	}

	for i := range c.Activities {
		a := &c.Activities[i]
		ar := storage.RemitActivityRow{
			ActivityID:    a.ID,
			Start:         a.Start,
			Type:          a.Type,
			Code:          a.Code,
			Quantity:      a.Quantity,
			Net:           a.Net,
			ListPrice:     a.ListPrice,
			Clinician:     a.Clinician,
			PaymentAmount: a.PaymentAmount,
			DenialCode:    a.DenialCode,
		}
		if ar.DenialRefID, err = sess.Resolve(ctx, storage.RefDenial, a.DenialCode); err != nil {
			return row, refErr(err)
		}
		row.Activities = append(row.Activities, ar)
	}
	return row, nil
}

// payerCode prefers the explicit PayerID element, falling back to IDPayer.
func payerCode(c *types.SubmissionClaim) string {
	if c.PayerID != "" {
		return c.PayerID
	}
	return c.IDPayer
}

func refErr(err error) error {
	return types.NewError(types.KindMapRefResolution, types.StagePersisting, "reference resolution failed", err)
}
