package helpers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/juju/errors"
)

// SharedAccessSignature signs resourceURI with base64 key, valid until expiry.
// keyName is optional `skn` field.
func SharedAccessSignature(resourceURI, key, keyName string, expiry time.Time) (string, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", errors.Annotate(err, "shared access key base64")
	}
	sr := url.QueryEscape(resourceURI)
	se := expiry.Unix()
	mac := hmac.New(sha256.New, keyBytes)
	fmt.Fprintf(mac, "%s\n%d", sr, se)
	sig := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	s := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d", sr, sig, se)
	if keyName != "" {
		s += "&skn=" + url.QueryEscape(keyName)
	}
	return s, nil
}
