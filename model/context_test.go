package model

import (
	"context"
	"errors"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name string
		rc   RequestContext
		want []error
	}{
		{"complete", RequestContext{ActorID: "client-1", TenantID: "acme-corp"}, nil},
		{"no actor", RequestContext{TenantID: "acme-corp"}, []error{errNoActor}},
		{"no tenant", RequestContext{ActorID: "client-1"}, []error{errNoTenant}},
		{"empty", RequestContext{}, []error{errNoActor, errNoTenant}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != (len(tt.want) > 0) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
			for _, w := range tt.want {
				if !errors.Is(err, w) {
					t.Errorf("Validate() = %v, missing %v", err, w)
				}
			}
		})
	}
}

func TestRequestContext_Party(t *testing.T) {
	rc := &RequestContext{ActorID: "staff-1", TenantID: "acme-corp", Name: "Pat Manager", Email: "pm@acme.test"}
	if p := rc.Party(); p != (Party{ID: "staff-1", Name: "Pat Manager", Email: "pm@acme.test"}) {
		t.Errorf("Party() = %+v", p)
	}
}

func TestRequestContextFrom(t *testing.T) {
	rctx := &RequestContext{ActorID: "client-1", TenantID: "acme-corp"}
	if got := RequestContextFrom(WithRequestContext(context.Background(), rctx)); got != rctx {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rctx)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty) = %v, want nil", got)
	}
}
