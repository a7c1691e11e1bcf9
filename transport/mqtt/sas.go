package mqtt

import (
	"net/url"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/devhub/helpers"
)

const DefaultSasTokenLifetime = time.Hour

// ConnectionString is parsed `HostName=h;DeviceId=d;SharedAccessKey=k`.
type ConnectionString struct {
	HostName        string
	DeviceID        string
	SharedAccessKey string
	GatewayHostName string
	X509            bool
}

func ParseConnectionString(s string) (ConnectionString, error) {
	var cs ConnectionString
	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		i := strings.IndexByte(part, '=')
		if i <= 0 {
			return cs, errors.NotValidf("connection string segment %q", part)
		}
		// key values are base64, may end with '='
		k, v := part[:i], part[i+1:]
		switch k {
		case "HostName":
			cs.HostName = v
		case "DeviceId":
			cs.DeviceID = v
		case "SharedAccessKey":
			cs.SharedAccessKey = v
		case "GatewayHostName":
			cs.GatewayHostName = v
		case "x509":
			cs.X509 = strings.EqualFold(v, "true")
		default:
			return cs, errors.NotSupportedf("connection string key=%s", k)
		}
	}
	if cs.HostName == "" || cs.DeviceID == "" {
		return cs, errors.NotValidf("connection string requires HostName and DeviceId")
	}
	if cs.SharedAccessKey == "" && !cs.X509 {
		return cs, errors.NotValidf("connection string requires SharedAccessKey or x509=true")
	}
	return cs, nil
}

// Broker returns gateway if set, else hub host.
func (cs ConnectionString) Broker() string { return defaultString(cs.GatewayHostName, cs.HostName) }

// SasToken builds device token for resource uri host/devices/id.
func SasToken(host, deviceID, key string, expiry time.Time) (string, error) {
	return helpers.SharedAccessSignature(host+"/devices/"+deviceID, key, "", expiry)
}

// Username of device connection. modelID may be empty.
func Username(host, deviceID, modelID string) string {
	u := host + "/" + deviceID + "/?api-version=" + APIVersion
	if modelID != "" {
		u += "&model-id=" + url.QueryEscape(modelID)
	}
	return u
}

const APIVersion = "2021-04-12"
