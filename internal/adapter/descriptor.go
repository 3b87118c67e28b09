package adapter

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Environment selects between a plugin's sandbox and production base URL.
// It is decided once at process start.
type Environment string

const (
	Sandbox    Environment = "sandbox"
	Production Environment = "production"
)

// ParseEnvironment accepts "sandbox"/"production" and the debug-style
// aliases "test"/"debug"/"dev" for sandbox and "live"/"prod" for production.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sandbox", "test", "debug", "dev":
		return Sandbox, nil
	case "production", "prod", "live":
		return Production, nil
	}
	return "", fmt.Errorf("%w: unknown environment %q", ErrConfiguration, s)
}

// Descriptor is the static description of a plugin type.
type Descriptor struct {
	Slug               string   `json:"slug" validate:"required,max=64"`
	DisplayName        string   `json:"display_name" validate:"required"`
	AcceptedCurrencies []string `json:"accepted_currencies" validate:"required,min=1,dive,len=3,uppercase"`
	LogoURL            string   `json:"logo_url,omitempty" validate:"omitempty,url"`

	SupportsLock          bool `json:"supports_lock"`
	SupportsPartialRefund bool `json:"supports_partial_refund"`
	SupportsRefund        bool `json:"supports_refund"`
	SupportsCallback      bool `json:"supports_callback"`

	ProductionURL string `json:"production_url" validate:"required,url"`
	SandboxURL    string `json:"sandbox_url" validate:"required,url"`

	// OKStatuses lists HTTP codes the paywall may answer with when a payment
	// is created successfully. Defaults to 200 only.
	OKStatuses []int `json:"ok_statuses,omitempty" validate:"omitempty,dive,min=100,max=599"`
}

var descriptorValidator = validator.New()

// Validate checks the descriptor's static fields.
func (d Descriptor) Validate() error {
	if err := descriptorValidator.Struct(d); err != nil {
		return fmt.Errorf("%w: descriptor %q: %v", ErrConfiguration, d.Slug, err)
	}
	if d.SupportsPartialRefund && !d.SupportsRefund {
		return fmt.Errorf("%w: descriptor %q: partial refunds require refund support", ErrConfiguration, d.Slug)
	}
	return nil
}

// BaseURL returns the paywall base URL for env. The two are never mixed
// within one process.
func (d Descriptor) BaseURL(env Environment) string {
	if env == Production {
		return d.ProductionURL
	}
	return d.SandboxURL
}

// AcceptsCurrency reports whether code is in the accepted-currency set.
func (d Descriptor) AcceptsCurrency(code string) bool {
	code = strings.ToUpper(code)
	for _, c := range d.AcceptedCurrencies {
		if c == code {
			return true
		}
	}
	return false
}

// IsOKStatus reports whether an HTTP status from the paywall counts as a
// successful payment creation.
func (d Descriptor) IsOKStatus(code int) bool {
	if len(d.OKStatuses) == 0 {
		return code == http.StatusOK
	}
	for _, c := range d.OKStatuses {
		if c == code {
			return true
		}
	}
	return false
}
