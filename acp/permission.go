package acp

import "github.com/dmora/acpmux"

// PublicOptions converts the wire options to the client-side view.
func (p *RequestPermissionParams) PublicOptions() []acpmux.PermissionOption {
	out := make([]acpmux.PermissionOption, len(p.Options))
	for i, o := range p.Options {
		out[i] = acpmux.PermissionOption{ID: o.OptionID, Name: o.Name, Kind: o.Kind}
	}
	return out
}

// CancelledPermission is the answer to a permission request whose turn was
// cancelled or that could not be decided.
func CancelledPermission() RequestPermissionResult {
	return RequestPermissionResult{Outcome: PermissionOutcome{Outcome: OutcomeCancelled}}
}

// SelectedPermission selects optionID.
func SelectedPermission(optionID string) RequestPermissionResult {
	return RequestPermissionResult{Outcome: PermissionOutcome{Outcome: OutcomeSelected, OptionID: optionID}}
}

// Decide maps d onto the offered options. An explicit OptionID must be one
// of the offered ids. Otherwise the first allow option (or reject option,
// for a denial) is selected. When nothing matches, the request is answered
// as cancelled.
func Decide(options []acpmux.PermissionOption, d acpmux.Decision) RequestPermissionResult {
	if d.OptionID != "" {
		for _, o := range options {
			if o.ID == d.OptionID {
				return SelectedPermission(o.ID)
			}
		}
		return CancelledPermission()
	}
	if d.Approve {
		return selectByKind(options, acpmux.PermissionAllowOnce, acpmux.PermissionAllowAlways)
	}
	return selectByKind(options, acpmux.PermissionRejectOnce, acpmux.PermissionRejectAlways)
}

// firstOptionByKind finds the first option matching any of the given kinds.
func firstOptionByKind(options []acpmux.PermissionOption, kinds ...string) string {
	for _, opt := range options {
		for _, k := range kinds {
			if opt.Kind == k {
				return opt.ID
			}
		}
	}
	return ""
}

func selectByKind(options []acpmux.PermissionOption, kinds ...string) RequestPermissionResult {
	id := firstOptionByKind(options, kinds...)
	if id == "" {
		return CancelledPermission()
	}
	return SelectedPermission(id)
}
