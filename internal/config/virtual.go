package config

import (
	"strings"

	"github.com/pkg/errors"

	"deckbridge/pkg/device/virtual"
)

// parseVirtuals reads "serial=model" pairs.
func parseVirtuals(raw []string) ([]virtual.Spec, error) {
	specs := make([]virtual.Spec, 0, len(raw))
	for _, r := range raw {
		serial, model, ok := strings.Cut(r, "=")
		if !ok || serial == "" || model == "" {
			return nil, errors.Errorf("virtual deck %q is not serial=model", r)
		}
		specs = append(specs, virtual.Spec{Serial: serial, Model: model})
	}
	return specs, nil
}
