package service

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// RFC 6238 parameters shared by enrollment and verification: SHA-1,
// six digits, 30-second steps. Authenticator apps assume these.
const (
	totpDigits    = 6
	totpStep      = 30 * time.Second
	totpSecretLen = 20
)

var totpEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func newTOTPSecret() (string, error) {
	buf := make([]byte, totpSecretLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return totpEncoding.EncodeToString(buf), nil
}

// totpCode computes the code for the step containing t.
func totpCode(secret string, t time.Time) (string, error) {
	key, err := totpEncoding.DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil {
		return "", fmt.Errorf("failed to decode TOTP secret: %w", err)
	}

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(t.Unix())/uint64(totpStep/time.Second))

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	// Dynamic truncation per RFC 4226 section 5.3.
	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	return fmt.Sprintf("%06d", code%1000000), nil
}

// totpMatch checks the token against the step containing t plus drift
// steps on either side, covering clock skew between the server and the
// authenticator device.
func totpMatch(secret, token string, t time.Time, drift int) (bool, error) {
	if drift < 0 {
		drift = 0
	}
	for step := -drift; step <= drift; step++ {
		code, err := totpCode(secret, t.Add(time.Duration(step)*totpStep))
		if err != nil {
			return false, err
		}
		if subtle.ConstantTimeCompare([]byte(code), []byte(token)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

// otpauthURI renders the provisioning URI that enrollment hands to the
// authenticator app.
func otpauthURI(issuer, account, secret string) string {
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)
	q.Set("algorithm", "SHA1")
	q.Set("digits", fmt.Sprintf("%d", totpDigits))
	q.Set("period", fmt.Sprintf("%d", int(totpStep/time.Second)))

	label := url.PathEscape(issuer + ":" + account)
	return "otpauth://totp/" + label + "?" + q.Encode()
}
