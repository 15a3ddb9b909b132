package device

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxNameLength = 100
	maxIDLength   = 50
	idPattern     = `^[a-z0-9]+(?:-[a-z0-9]+)*$`

	// Size limits for JSON columns.
	maxPropKeys       = 32
	maxStateKeys      = 64
	maxStringValueLen = 1024
)

var idRegex = regexp.MustCompile(idPattern)

// ValidateDevice checks the fields the registry relies on. Plugin-specific
// prop validation is done by the plugin before a device is created.
func ValidateDevice(d *Device) error {
	if d == nil {
		return fmt.Errorf("%w: device is nil", ErrInvalidDevice)
	}
	if err := ValidateID(d.ID); err != nil {
		return err
	}
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if d.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidDevice)
	}
	if len(d.Props) > maxPropKeys {
		return fmt.Errorf("%w: props exceeds %d keys", ErrInvalidDevice, maxPropKeys)
	}
	for k, v := range d.Props {
		if len(v) > maxStringValueLen {
			return fmt.Errorf("%w: prop %q exceeds %d characters", ErrInvalidDevice, k, maxStringValueLen)
		}
	}
	if len(d.States) > maxStateKeys {
		return fmt.Errorf("%w: states exceeds %d keys", ErrInvalidDevice, maxStateKeys)
	}
	return nil
}

// ValidateName checks a device display name.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateID checks that id is a lowercase slug. IDs appear in MQTT topics
// and URLs, so they must not contain / + # or spaces.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidID)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidID, maxIDLength)
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("%w: %q must be lowercase letters, digits and single hyphens", ErrInvalidID, id)
	}
	return nil
}

// GenerateSlug creates a URL-safe slug from a name.
func GenerateSlug(name string) string {
	slug := strings.ToLower(name)
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.ReplaceAll(slug, "_", "-")

	var result strings.Builder
	for _, r := range slug {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	slug = result.String()

	slug = strings.Trim(slug, "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}

	if len(slug) > maxIDLength {
		slug = strings.TrimRight(slug[:maxIDLength], "-")
	}
	return slug
}

// GenerateID derives a device ID from its name, falling back to a random
// one when the name has no usable characters.
func GenerateID(name string) string {
	if slug := GenerateSlug(name); slug != "" {
		return slug
	}
	return "dev-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
