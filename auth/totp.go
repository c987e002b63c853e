package auth

import (
	"bytes"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpSecretBytes = 20
	totpDigits      = otp.DigitsSix
	totpPeriod      = 30
	totpSkew        = 1
	totpQRSize      = 200
	// DefaultIssuer labels enrollments in authenticator apps.
	DefaultIssuer = "Lodge"
)

var totpValidateOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    totpDigits,
	Algorithm: otp.AlgorithmSHA1,
}

// Enrollment is a freshly generated, not yet persisted, TOTP secret.
type Enrollment struct {
	Secret    string // base32, unpadded
	URI       string // otpauth://totp/...
	QRCodeURL string // data:image/png;base64,...
}

// TOTPEngine generates and verifies RFC 6238 codes: 6 digits, 30 second
// steps, HMAC-SHA1, accepting one step of drift either way.
type TOTPEngine struct {
	issuer string
}

func NewTOTPEngine(issuer string) *TOTPEngine {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &TOTPEngine{issuer: issuer}
}

// GenerateEnrollment creates a random secret for account together with its
// provisioning URI and QR code.
func (e *TOTPEngine) GenerateEnrollment(account string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: account,
		Period:      totpPeriod,
		SecretSize:  totpSecretBytes,
		Digits:      totpDigits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generating totp secret: %w", err)
	}
	img, err := key.Image(totpQRSize, totpQRSize)
	if err != nil {
		return nil, fmt.Errorf("rendering qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding qr code: %w", err)
	}
	return &Enrollment{
		Secret:    key.Secret(),
		URI:       key.URL(),
		QRCodeURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

func normalizeTOTPCode(code string) string {
	return strings.TrimSpace(strings.ReplaceAll(code, " ", ""))
}

func validTOTPCode(code string) bool {
	if len(code) != totpDigits.Length() {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Verify reports whether code is valid for secret at the step containing
// at, or the step immediately before or after it.
func (e *TOTPEngine) Verify(secret, code string, at time.Time) bool {
	code = normalizeTOTPCode(code)
	if !validTOTPCode(code) {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, at, totpValidateOpts)
	return err == nil && ok
}

// validEnrollmentSecret reports whether secret has the shape GenerateEnrollment
// produces: unpadded base32 of exactly totpSecretBytes bytes.
func validEnrollmentSecret(secret string) bool {
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	return err == nil && len(raw) == totpSecretBytes
}

// CodeAt derives the code for secret at the given time.
func CodeAt(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, totpValidateOpts)
}
