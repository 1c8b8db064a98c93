package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
)

// requiredRefs lists the body fields each kind cannot do without. Every other
// known field is optional.
var requiredRefs = map[domain.Kind][]string{
	domain.KindSeasonStart:              {},
	domain.KindFixAverages:              {"season_id"},
	domain.KindPromoteRegionToNational:  {"sub_competition_id"},
	domain.KindPromoteIndividualToFinal: {"season_id"},
	domain.KindPromoteTeamsToFinal:      {"season_id"},
	domain.KindCloseIndividualFinal:     {"season_id"},
	domain.KindCloseTeamFinal:           {"season_id"},
	domain.KindSetParticipantCut:        {"sub_competition_id", "class_id", "cut_new"},
}

var kindSchemas = mustCompileKindSchemas()

type schemaViolation struct {
	Errors []string
}

func (e *schemaViolation) Error() string {
	return fmt.Sprintf("request body violates schema: %v", e.Errors)
}

func bodySchema(kind domain.Kind) json.RawMessage {
	id := map[string]any{"type": "integer", "minimum": 1}
	cut := map[string]any{"type": "integer", "minimum": 0}
	doc := map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"title":                kind.String(),
		"type":                 "object",
		"additionalProperties": false,
		"required":             requiredRefs[kind],
		"properties": map[string]any{
			"season_id":          id,
			"sub_competition_id": id,
			"class_id":           id,
			"participant_id":     id,
			"cut_old":            cut,
			"cut_new":            cut,
			"actor":              map[string]any{"type": "string"},
			"fast":               map[string]any{"type": "boolean"},
		},
	}
	raw, _ := json.Marshal(doc)
	return raw
}

func mustCompileKindSchemas() map[domain.Kind]*santhosh.Schema {
	out := make(map[domain.Kind]*santhosh.Schema, len(requiredRefs))
	for _, kind := range domain.Kinds() {
		sch, err := compileSchema(bodySchema(kind))
		if err != nil {
			panic(fmt.Sprintf("compile %s body schema: %v", kind, err))
		}
		out[kind] = sch
	}
	return out
}

func compileSchema(schemaJSON json.RawMessage) (*santhosh.Schema, error) {
	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft7
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

func validateBody(kind domain.Kind, data json.RawMessage) error {
	sch, ok := kindSchemas[kind]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownKind, kind)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal body: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			return &schemaViolation{Errors: collectValidationErrors(ve)}
		}
		return &schemaViolation{Errors: []string{err.Error()}}
	}
	return nil
}

func collectValidationErrors(ve *santhosh.ValidationError) []string {
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, collectValidationErrors(cause)...)
	}
	if len(ve.Causes) == 0 {
		msgs = append(msgs, ve.Error())
	}
	return msgs
}
