package fanout

import (
	"context"
	"strings"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/model"
)

// Directory looks up the internal staff of a tenant.
type Directory interface {
	Staff(ctx context.Context, tenantID string) ([]model.Recipient, error)
}

// StaticDirectory serves the staff list from configuration. Members are
// included when they hold at least one of the staff roles.
type StaticDirectory struct {
	staff []model.Recipient
}

// NewStaticDirectory builds a directory from the configured staff members.
func NewStaticDirectory(members []config.StaffMember, staffRoles []string) *StaticDirectory {
	roles := make(map[string]bool, len(staffRoles))
	for _, r := range staffRoles {
		roles[r] = true
	}

	d := &StaticDirectory{}
	for _, m := range members {
		if len(roles) > 0 && !hasAnyRole(m.Roles, roles) {
			continue
		}
		d.staff = append(d.staff, model.Recipient{
			UserID:  m.ID,
			Name:    m.Name,
			Address: m.Email,
			Email:   true,
		})
	}
	return d
}

// Staff returns the configured staff. The static directory is shared by all
// tenants.
func (d *StaticDirectory) Staff(context.Context, string) ([]model.Recipient, error) {
	return append([]model.Recipient(nil), d.staff...), nil
}

// Addressable reports whether r can be delivered to.
func Addressable(r model.Recipient) bool {
	return strings.TrimSpace(r.Address) != ""
}

// label names r in delivery results.
func label(r model.Recipient) string {
	switch {
	case Addressable(r):
		return r.Address
	case r.UserID != "":
		return "user:" + r.UserID
	default:
		return "unknown"
	}
}

func hasAnyRole(have []string, want map[string]bool) bool {
	for _, r := range have {
		if want[r] {
			return true
		}
	}
	return false
}

// ResolveFunc computes the audience of a decided event.
type ResolveFunc func(ctx context.Context, event model.DecidedEvent) ([]model.Recipient, error)

// DefaultResolver returns the standard audience rules:
//
//   - proposals notify the internal staff;
//   - document approvals and change orders notify the original requester,
//     plus the internal staff when the subject originated with the client.
//
// Recipients are deduplicated by address, first occurrence wins. A party
// without an address is still returned so that the dispatch reports it as
// undeliverable.
func DefaultResolver(dir Directory) ResolveFunc {
	return func(ctx context.Context, event model.DecidedEvent) ([]model.Recipient, error) {
		var out []model.Recipient
		seen := make(map[string]bool)
		add := func(r model.Recipient) {
			key := strings.ToLower(strings.TrimSpace(r.Address))
			if key == "" {
				key = "user:" + r.UserID
			}
			if seen[key] {
				return
			}
			seen[key] = true
			out = append(out, r)
		}

		includeStaff := event.Variant == model.VariantProposal || event.Origin == model.OriginClient
		if event.Variant != model.VariantProposal {
			add(model.Recipient{
				UserID:  event.Requester.ID,
				Name:    event.Requester.Name,
				Address: event.Requester.Email,
				Email:   true,
			})
		}
		if includeStaff {
			staff, err := dir.Staff(ctx, event.TenantID)
			if err != nil {
				return nil, err
			}
			for _, r := range staff {
				add(r)
			}
		}
		return out, nil
	}
}
