package registry

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/narvanalabs/camfleet/internal/egress"
	"github.com/narvanalabs/camfleet/internal/models"
)

const (
	maxIDLength       = 63
	maxNameLength     = 128
	maxLabelKeyLength = 63
	maxLabelValue     = 256
	maxLabels         = 64
	maxCapabilities   = 32
)

var (
	idPattern         = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	labelKeyPattern   = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._/-]*[A-Za-z0-9])?$`)
	capabilityPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// URLChecker resolves a base URL against the egress policy. *egress.Guard
// implements it.
type URLChecker interface {
	CheckURL(ctx context.Context, raw string) (*url.URL, error)
}

// Validator checks node records before they are written.
type Validator struct {
	urls   URLChecker
	logger *slog.Logger
}

// NewValidator creates a validator. A nil checker skips the egress check.
func NewValidator(urls URLChecker, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{urls: urls, logger: logger}
}

// ValidateID checks the shape of a node id.
func ValidateID(id string) error {
	switch {
	case id == "":
		return invalidField("id", "is required")
	case len(id) > maxIDLength:
		return invalidField("id", "must be at most %d characters", maxIDLength)
	case !idPattern.MatchString(id):
		return invalidField("id", "may contain only letters, digits, '.', '_' and '-' and must start with a letter or digit")
	}
	return nil
}

// Validate checks every field of n. When checkEgress is set the base URL of
// an http node is also resolved and matched against the egress policy, so a
// node that the prober would refuse is rejected here instead.
func (v *Validator) Validate(ctx context.Context, n *models.Node, checkEgress bool) error {
	var errs ValidationErrors

	if err := ValidateID(n.ID); err != nil {
		errs = append(errs, Fields(err)...)
	}

	if n.Name == "" {
		errs.Add("name", "is required")
	} else if utf8.RuneCountInString(n.Name) > maxNameLength {
		errs.Add("name", "must be at most %d characters", maxNameLength)
	}

	if !n.Transport.Valid() {
		errs.Add("transport", "must be %q or %q", models.TransportHTTP, models.TransportDockerProxy)
	}

	if _, err := egress.ParseTarget(n.BaseURL); err != nil {
		errs.Add("base_url", "%s", strings.TrimPrefix(err.Error(), egress.ErrInvalidURL.Error()+": "))
	} else if checkEgress && n.Transport == models.TransportHTTP && v.urls != nil {
		if _, err := v.urls.CheckURL(ctx, n.BaseURL); err != nil {
			switch {
			case errors.Is(err, egress.ErrBlocked):
				errs.Add("base_url", "target is blocked by egress policy: %v", err)
			case errors.Is(err, egress.ErrInvalidURL):
				errs.Add("base_url", "%v", err)
			default:
				// Resolution failures are not policy decisions; the prober
				// re-checks the address on every round.
				v.logger.Warn("base_url did not resolve at registration",
					"node_id", n.ID,
					"base_url", n.BaseURL,
					"error", err,
				)
			}
		}
	}

	if n.Auth == nil {
		errs.Add("auth", "is required")
	}

	if len(n.Labels) > maxLabels {
		errs.Add("labels", "at most %d labels are allowed", maxLabels)
	}
	for k, val := range n.Labels {
		if len(k) > maxLabelKeyLength || !labelKeyPattern.MatchString(k) {
			errs.Add("labels", "invalid label key %q", k)
		}
		if utf8.RuneCountInString(val) > maxLabelValue {
			errs.Add("labels", "value of %q must be at most %d characters", k, maxLabelValue)
		}
	}

	if len(n.Capabilities) > maxCapabilities {
		errs.Add("capabilities", "at most %d capabilities are allowed", maxCapabilities)
	}
	for _, c := range n.Capabilities {
		if !capabilityPattern.MatchString(c) {
			errs.Add("capabilities", "invalid capability %q", c)
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// rejectLegacyAuth refuses basic credentials on new writes.
func rejectLegacyAuth(a models.Auth) error {
	if a != nil && a.Kind() == models.AuthKindBasic {
		return invalidField("auth", "basic auth is no longer accepted, use bearer")
	}
	return nil
}
