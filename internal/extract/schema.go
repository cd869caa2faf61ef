// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package extract

import (
	"strconv"
	"strings"
	"time"

	"github.com/Dolwer/replyledger/internal/message"

	"github.com/pkg/errors"
)

// FieldType is the primitive type expected for an extraction field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeDate   FieldType = "date"
)

// Field is one entry in the expected-field table: the name the model
// must emit and the spreadsheet column the value lands in.
type Field struct {
	Name   string
	Column string
	Type   FieldType
}

// Schema is the fixed set of fields an extraction response must carry.
// The model's output is checked against this table before use; any
// deviation quarantines the result rather than coercing values.
type Schema struct {
	fields []Field
}

func NewSchema(fields []Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, errors.New("schema needs at least one field")
	}
	seen := map[string]bool{}
	for _, f := range fields {
		if f.Name == "" {
			return nil, errors.New("schema field with empty name")
		}
		if seen[f.Name] {
			return nil, errors.Errorf("schema field %q listed twice", f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case TypeString, TypeNumber, TypeDate:
		default:
			return nil, errors.Errorf("schema field %q has unknown type %q", f.Name, f.Type)
		}
	}
	return &Schema{fields: fields}, nil
}

// Fields returns the expected fields in declaration order.
func (s *Schema) Fields() []Field {
	return s.fields
}

// Names returns the expected field names in declaration order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Validate checks a decoded extraction response against the schema.
// On success it returns the validated values, normalized per type, in
// a name-keyed map.  On failure it returns the quarantine reason for
// the first offending field, in declaration order, so re-running the
// same input yields the same reason.
//
// An empty string is accepted for any field: the model emits "" for
// "not stated".  A missing key, a null, or a non-conforming value is
// a validation failure.
func (s *Schema) Validate(raw map[string]interface{}) (map[string]string, message.Reason) {
	out := make(map[string]string, len(s.fields))
	for _, f := range s.fields {
		v, ok := raw[f.Name]
		if !ok || v == nil {
			return nil, message.MissingField(f.Name)
		}
		norm, ok := normalizeValue(v, f.Type)
		if !ok {
			return nil, message.TypeMismatch(f.Name)
		}
		out[f.Name] = norm
	}
	return out, ""
}

func normalizeValue(v interface{}, t FieldType) (string, bool) {
	switch t {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(s), true
	case TypeNumber:
		switch n := v.(type) {
		case float64: // encoding/json decodes all JSON numbers to float64
			return strconv.FormatFloat(n, 'f', -1, 64), true
		case string:
			if strings.TrimSpace(n) == "" {
				return "", true
			}
			return parseNumber(n)
		}
		return "", false
	case TypeDate:
		s, ok := v.(string)
		if !ok {
			return "", false
		}
		if strings.TrimSpace(s) == "" {
			return "", true
		}
		return parseDate(s)
	}
	return "", false
}

// parseNumber accepts decimal text with optional currency symbols and
// thousands separators and normalizes it to a plain decimal string.
func parseNumber(s string) (string, bool) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', ' ', '$', '€', '£':
			return -1
		}
		return r
	}, strings.TrimSpace(s))

	// With both separators present the comma is a thousands mark;
	// alone it is a decimal mark.
	if strings.Contains(cleaned, ".") && strings.Contains(cleaned, ",") {
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	} else {
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	}

	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"January 2, 2006",
	"2 January 2006",
}

// parseDate normalizes a date in any accepted layout to ISO 8601.
func parseDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.Format("2006-01-02"), true
		}
	}
	return "", false
}
