package httpapi

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/*.schema.json
var schemaFS embed.FS

// Request schemas, compiled once at startup. A schema that fails to
// compile is a build defect, hence the panic.
var (
	reportSchema        = mustCompileSchema("schema/violation-report.v1.schema.json")
	submissionSchema    = mustCompileSchema("schema/submission.v1.schema.json")
	createSessionSchema = mustCompileSchema("schema/create-session.v1.schema.json")
)

func mustCompileSchema(name string) *jsonschema.Schema {
	data, err := schemaFS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("httpapi: read embedded schema %s: %v", name, err))
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
		panic(fmt.Sprintf("httpapi: add schema resource %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("httpapi: compile schema %s: %v", name, err))
	}

	return schema
}

// decodeBody reads and validates a request body. A body that is not JSON
// at all is a transport failure (400); a JSON body the schema rejects is
// a precondition failure reported with success:false and HTTP 200. The
// response is written on failure; the caller proceeds only on true.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, dst any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeFail(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
			return false
		}
		s.writeFail(w, http.StatusBadRequest, msgBadPayload)
		return false
	}

	var instance any
	if err := json.Unmarshal(body, &instance); err != nil {
		s.writeFail(w, http.StatusBadRequest, msgBadPayload)
		return false
	}

	if err := schema.Validate(instance); err != nil {
		s.writeFail(w, http.StatusOK, schemaFailMessage(err))
		return false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		s.writeFail(w, http.StatusBadRequest, msgBadPayload)
		return false
	}

	return true
}

// schemaFailMessage flattens a validation error to its most specific
// cause, the one line worth sending back.
func schemaFailMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "invalid request"
	}

	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	if leaf.InstanceLocation != "" {
		return fmt.Sprintf("invalid request: %s: %s", leaf.InstanceLocation, leaf.Message)
	}
	return "invalid request: " + leaf.Message
}
