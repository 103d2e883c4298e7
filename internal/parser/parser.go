// Package parser decodes the two DHPO XML dialects (Claim.Submission and
// Remittance.Advice) into the typed DTO tree consumed by the mapper.
//
// Parsing is pure: the same bytes always produce the same tree, element
// order within each parent is preserved, and nothing outside the returned
// value is touched. Documents are decoded claim-by-claim with a streaming
// xml.Decoder so memory stays proportional to the largest claim, not the
// file.
package parser

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/hcledger/claimsink/internal/types"
)

// Recognized document roots.
const (
	RootElemSubmission = "Claim.Submission"
	RootElemRemittance = "Remittance.Advice"
)

// ErrKind classifies parse failures.
type ErrKind string

const (
	ErrMalformedXML    ErrKind = "MALFORMED_XML"
	ErrUnknownRoot     ErrKind = "UNKNOWN_ROOT"
	ErrSchemaViolation ErrKind = "SCHEMA_VIOLATION"
	ErrFieldConstraint ErrKind = "FIELD_CONSTRAINT"
)

// ParseError reports a parse failure with enough position information to
// locate the offending element in the source document.
type ParseError struct {
	Kind    ErrKind
	Offset  int64  // byte offset into the input
	Path    string // element path, e.g. Claim.Submission/Claim[2]/Activity[1]
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("parse %s at %s (offset %d): %s", e.Kind, e.Path, e.Offset, e.Message)
	}
	return fmt.Sprintf("parse %s (offset %d): %s", e.Kind, e.Offset, e.Message)
}

func (e *ParseError) Unwrap() error { return e.Err }

// AsParseError unwraps err to a *ParseError if it carries one.
func AsParseError(err error) (*ParseError, bool) {
	var pe *ParseError
	ok := errors.As(err, &pe)
	return pe, ok
}

// PipelineKind maps a parse failure onto the pipeline error taxonomy.
func (e *ParseError) PipelineKind() types.ErrorKind {
	if e.Kind == ErrMalformedXML || e.Kind == ErrUnknownRoot {
		return types.KindParseMalformed
	}
	return types.KindParseSchema
}

// Parse decodes data into a tagged DTO tree. fileID is the source-declared
// identifier and is recorded on the result; it takes no part in decoding.
func Parse(fileID string, data []byte) (*types.Parsed, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ParseError{Kind: ErrMalformedXML, Message: "empty document"}
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	root, err := firstStartElement(dec)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	parsed := &types.Parsed{
		FileID:  fileID,
		RawHash: hex.EncodeToString(sum[:]),
	}

	switch root.Name.Local {
	case RootElemSubmission:
		parsed.Root = types.RootSubmission
		err = parseSubmission(dec, parsed)
	case RootElemRemittance:
		parsed.Root = types.RootRemittance
		err = parseRemittance(dec, parsed)
	default:
		return nil, &ParseError{
			Kind:    ErrUnknownRoot,
			Offset:  dec.InputOffset(),
			Path:    root.Name.Local,
			Message: fmt.Sprintf("unrecognized root element %q", root.Name.Local),
		}
	}
	if err != nil {
		return nil, err
	}
	return parsed, nil
}

// firstStartElement skips prolog tokens and returns the document root.
func firstStartElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return xml.StartElement{}, &ParseError{
				Kind:    ErrMalformedXML,
				Offset:  dec.InputOffset(),
				Message: "no root element",
			}
		}
		if err != nil {
			return xml.StartElement{}, &ParseError{
				Kind:    ErrMalformedXML,
				Offset:  dec.InputOffset(),
				Message: err.Error(),
				Err:     err,
			}
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

// malformed wraps a decoder error at the current offset.
func malformed(dec *xml.Decoder, path string, err error) *ParseError {
	return &ParseError{
		Kind:    ErrMalformedXML,
		Offset:  dec.InputOffset(),
		Path:    path,
		Message: err.Error(),
		Err:     err,
	}
}

// schemaErr reports a missing required element.
func schemaErr(dec *xml.Decoder, path, msg string) *ParseError {
	return &ParseError{Kind: ErrSchemaViolation, Offset: dec.InputOffset(), Path: path, Message: msg}
}

// fieldErr reports an out-of-range or unparseable field value.
func fieldErr(dec *xml.Decoder, path, msg string) *ParseError {
	return &ParseError{Kind: ErrFieldConstraint, Offset: dec.InputOffset(), Path: path, Message: msg}
}
