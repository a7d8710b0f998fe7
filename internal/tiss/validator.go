package tiss

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Result is the outcome of a structural check. It is not XSD validation.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Validate checks a mensagemTISS document for well-formedness, the ans
// namespace declaration, the schema version marker and the total value element.
// When the lot carries an epilogue hash it is recomputed over the guide fragments.
func Validate(doc []byte) Result {
	var errs []string

	var (
		namespaceDeclared bool
		versionSeen       bool
		totalSeen         bool
		epilogueHash      string
		guidesStart       int64 = -1
		guidesContent     []byte
		guidesFound       bool
	)

	d := xml.NewDecoder(bytes.NewReader(doc))
	for {
		before := d.InputOffset()
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("malformed XML: %v", err))
			return Result{Valid: false, Errors: errs}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" && a.Name.Local == "ans" && a.Value == Namespace {
					namespaceDeclared = true
				}
			}
			switch t.Name.Local {
			case "versaoPadrao":
				versionSeen = true
				var v string
				if err := d.DecodeElement(&v, &t); err != nil {
					errs = append(errs, fmt.Sprintf("malformed XML: %v", err))
					return Result{Valid: false, Errors: errs}
				}
				if strings.TrimSpace(v) != Version {
					errs = append(errs, fmt.Sprintf("unsupported versaoPadrao %q, expected %s", strings.TrimSpace(v), Version))
				}
			case "valorTotalGeral":
				totalSeen = true
				var v string
				if err := d.DecodeElement(&v, &t); err != nil {
					errs = append(errs, fmt.Sprintf("malformed XML: %v", err))
					return Result{Valid: false, Errors: errs}
				}
				if _, err := ParseMoney(v); err != nil {
					errs = append(errs, fmt.Sprintf("invalid valorTotalGeral: %v", err))
				}
			case "hash":
				var v string
				if err := d.DecodeElement(&v, &t); err != nil {
					errs = append(errs, fmt.Sprintf("malformed XML: %v", err))
					return Result{Valid: false, Errors: errs}
				}
				epilogueHash = strings.TrimSpace(v)
			case "guiasTISS":
				guidesStart = d.InputOffset()
			}
		case xml.EndElement:
			if t.Name.Local == "guiasTISS" && guidesStart >= 0 {
				guidesContent = doc[guidesStart:before]
				guidesFound = true
			}
		}
	}

	if !namespaceDeclared {
		errs = append(errs, fmt.Sprintf("missing namespace declaration xmlns:ans=%q", Namespace))
	}
	if !versionSeen {
		errs = append(errs, "missing versaoPadrao element")
	}
	if !totalSeen {
		errs = append(errs, "missing valorTotalGeral element")
	}
	if guidesFound && epilogueHash != "" && ContentHash(guidesContent) != epilogueHash {
		errs = append(errs, "epilogo hash does not match guide content")
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}
