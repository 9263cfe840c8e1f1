// Package openapi loads the embedded API contract, indexes its operations
// and validates inbound requests against it.
package openapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	"github.com/pitabwire/signoff/model"
)

//go:embed api.yaml
var contract []byte

// Raw returns the embedded contract as YAML.
func Raw() []byte {
	return contract
}

// Load parses and validates the embedded contract.
func Load(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(contract)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading contract: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: validating contract: %w", err)
	}
	return doc, nil
}

// Operation is one documented method and path.
type Operation struct {
	OperationID  string
	Method       string
	PathTemplate string
	HasBody      bool
}

// Index is an in-memory index of the contract's operations keyed by
// operationId.
type Index struct {
	operations map[string]Operation
}

// NewIndex indexes every operation of doc that carries an operationId.
func NewIndex(doc *openapi3.T) *Index {
	idx := &Index{operations: make(map[string]Operation)}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			idx.operations[op.OperationID] = Operation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				HasBody:      op.RequestBody != nil,
			}
		}
	}
	return idx
}

// Get returns the operation with the given operationId.
func (idx *Index) Get(operationID string) (Operation, bool) {
	op, ok := idx.operations[operationID]
	return op, ok
}

// All returns every indexed operation sorted by path then method.
func (idx *Index) All() []Operation {
	ops := make([]Operation, 0, len(idx.operations))
	for _, op := range idx.operations {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].PathTemplate != ops[j].PathTemplate {
			return ops[i].PathTemplate < ops[j].PathTemplate
		}
		return ops[i].Method < ops[j].Method
	})
	return ops
}

// Validator checks requests against the contract.
type Validator struct {
	router  routers.Router
	options *openapi3filter.Options
}

// NewValidator builds a Validator for doc. Authentication is enforced by
// the HTTP middleware, not by the contract.
func NewValidator(doc *openapi3.T) (*Validator, error) {
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi: building router: %w", err)
	}
	return &Validator{
		router: router,
		options: &openapi3filter.Options{
			AuthenticationFunc:  openapi3filter.NoopAuthenticationFunc,
			SkipSettingDefaults: true,
		},
	}, nil
}

// ValidateRequest checks r against its documented operation. Requests for
// paths the contract does not describe pass. The body is left readable.
func (v *Validator) ValidateRequest(r *http.Request) error {
	route, params, err := v.router.FindRoute(r)
	if err != nil {
		return nil
	}
	err = openapi3filter.ValidateRequest(r.Context(), &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: params,
		Route:      route,
		Options:    v.options,
	})
	if err == nil {
		return nil
	}
	return toEnvelope(err)
}

// toEnvelope converts a contract violation into a VALIDATION_ERROR.
func toEnvelope(err error) *model.ErrorEnvelope {
	fe := model.FieldError{Field: "body", Code: "invalid", Message: err.Error()}

	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Parameter != nil {
			fe.Field = reqErr.Parameter.Name
		}
		if reqErr.Reason != "" {
			fe.Message = reqErr.Reason
		}
	}
	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		if ptr := schemaErr.JSONPointer(); len(ptr) > 0 {
			fe.Field = strings.Join(ptr, ".")
		}
		fe.Code = schemaErr.SchemaField
		fe.Message = schemaErr.Reason
	}
	return model.NewValidationError([]model.FieldError{fe})
}
