package auth

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ttacon/libphonenumber"

	"digiqc/internal/config"
)

const (
	LoginPhone = "phone"
	LoginEmail = "email"
)

// InputError is a user-correctable problem with a login identifier or code.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string { return e.Message }

func inputErr(field, msg string, args ...any) error {
	return &InputError{Field: field, Message: fmt.Sprintf(msg, args...)}
}

var (
	emailRe       = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	countryCodeRe = regexp.MustCompile(`^\+\d{1,3}$`)
	nonDigitRe    = regexp.MustCompile(`\D`)
	otpRe         = regexp.MustCompile(`^\d{6}$`)
)

// Identity is a validated login identifier.
type Identity struct {
	Value     string `json:"value"`
	LoginType string `json:"login_type"`
}

// Validator checks login identifiers against per-country phone policies.
type Validator struct {
	Policies      map[string]config.PhonePolicy
	DefaultRegion string

	compiled map[string]*regexp.Regexp
}

func NewValidator(cfg config.AuthConfig) (Validator, error) {
	v := Validator{
		Policies:      cfg.PhonePolicies,
		DefaultRegion: cfg.DefaultRegion,
		compiled:      map[string]*regexp.Regexp{},
	}
	for code, p := range cfg.PhonePolicies {
		if p.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return Validator{}, fmt.Errorf("phone policy %s: %w", code, err)
		}
		v.compiled[code] = re
	}
	return v, nil
}

func (v Validator) ValidateEmail(email string) error {
	if !emailRe.MatchString(strings.TrimSpace(email)) {
		return inputErr("email", "Email format is incorrect.")
	}
	return nil
}

func (v Validator) ValidateCountryCode(code string) error {
	if !countryCodeRe.MatchString(strings.TrimSpace(code)) {
		return inputErr("country_code", "Please enter a valid country code (e.g., +91).")
	}
	return nil
}

// ValidatePhone strips formatting from phone and returns the bare national
// digits. Codes without a configured policy are checked with libphonenumber.
func (v Validator) ValidatePhone(phone, countryCode string) (string, error) {
	countryCode = strings.TrimSpace(countryCode)
	if err := v.ValidateCountryCode(countryCode); err != nil {
		return "", err
	}
	digits := nonDigitRe.ReplaceAllString(phone, "")
	if digits == "" {
		return "", inputErr("phone", "Phone number is required.")
	}
	p, ok := v.Policies[countryCode]
	if !ok {
		if !v.validByLibrary(digits, countryCode) {
			return "", inputErr("phone", "Phone number is not valid for %s.", countryCode)
		}
		return digits, nil
	}
	if p.Digits > 0 && len(digits) != p.Digits {
		return "", inputErr("phone", "Phone number for %s must be exactly %d digits.", countryCode, p.Digits)
	}
	re := v.compiled[countryCode]
	if re == nil && p.Pattern != "" {
		re = regexp.MustCompile(p.Pattern)
	}
	if re != nil && !re.MatchString(digits) {
		return "", inputErr("phone", "Phone number does not match required format for %s.", countryCode)
	}
	return digits, nil
}

func (v Validator) validByLibrary(digits, countryCode string) bool {
	cc, err := strconv.Atoi(strings.TrimPrefix(countryCode, "+"))
	if err != nil {
		return false
	}
	region := libphonenumber.GetRegionCodeForCountryCode(cc)
	if region == "" || region == "ZZ" {
		region = v.DefaultRegion
	}
	num, err := libphonenumber.Parse(countryCode+digits, region)
	if err != nil {
		return false
	}
	return libphonenumber.IsValidNumber(num)
}

// Identify classifies identifier as an email (anything containing "@") or a
// phone number, validating it either way. Phones come back as code+digits.
func (v Validator) Identify(identifier, countryCode string) (Identity, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Identity{}, inputErr("identifier", "Phone number or email is required.")
	}
	if strings.Contains(identifier, "@") {
		if err := v.ValidateEmail(identifier); err != nil {
			return Identity{}, err
		}
		return Identity{Value: identifier, LoginType: LoginEmail}, nil
	}
	if countryCode == "" && strings.HasPrefix(identifier, "+") {
		return v.identifyFullNumber(identifier)
	}
	digits, err := v.ValidatePhone(identifier, countryCode)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Value: strings.TrimSpace(countryCode) + digits, LoginType: LoginPhone}, nil
}

// identifyFullNumber splits "+<code><digits>" using the configured codes
// first, longest code first.
func (v Validator) identifyFullNumber(number string) (Identity, error) {
	digits := nonDigitRe.ReplaceAllString(number, "")
	for _, code := range v.policyCodes() {
		cc := strings.TrimPrefix(code, "+")
		if !strings.HasPrefix(digits, cc) {
			continue
		}
		if national, err := v.ValidatePhone(digits[len(cc):], code); err == nil {
			return Identity{Value: code + national, LoginType: LoginPhone}, nil
		}
	}
	num, err := libphonenumber.Parse(number, v.DefaultRegion)
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return Identity{}, inputErr("phone", "Phone number is invalid.")
	}
	return Identity{Value: libphonenumber.Format(num, libphonenumber.E164), LoginType: LoginPhone}, nil
}

func (v Validator) policyCodes() []string {
	codes := make([]string, 0, len(v.Policies))
	for code := range v.Policies {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool {
		if len(codes[i]) != len(codes[j]) {
			return len(codes[i]) > len(codes[j])
		}
		return codes[i] < codes[j]
	})
	return codes
}

// ValidateOTP accepts exactly six digits.
func ValidateOTP(otp string) error {
	if !otpRe.MatchString(strings.TrimSpace(otp)) {
		return inputErr("otp", "OTP must be 6 digits.")
	}
	return nil
}
