package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
)

// VerifySignature validates a provider webhook signature. The signature is
// HMAC-SHA1 over the full callback URL followed by the form parameters
// concatenated as key+value in sorted key order, base64 encoded.
func VerifySignature(authToken, callbackURL string, form url.Values, signature string) bool {
	if signature == "" {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	return hmac.Equal(sig, computeSignature(authToken, callbackURL, form))
}

func computeSignature(authToken, callbackURL string, form url.Values) []byte {
	data := callbackURL
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range form[k] {
			data += k + v
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
