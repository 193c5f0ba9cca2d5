package azureiot

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"device-sync-backend/internal/provider"
)

type connectionString struct {
	HostName string
	KeyName  string
	Key      []byte
}

// parseConnectionString reads
// HostName=<hub>;SharedAccessKeyName=<policy>;SharedAccessKey=<base64>.
func parseConnectionString(s string) (connectionString, error) {
	var c connectionString
	var rawKey string
	for _, part := range strings.Split(strings.TrimSpace(s), ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch k {
		case "HostName":
			c.HostName = v
		case "SharedAccessKeyName":
			c.KeyName = v
		case "SharedAccessKey":
			rawKey = v
		}
	}
	if c.HostName == "" || c.KeyName == "" || rawKey == "" {
		return c, fmt.Errorf("%w: azure connection string needs HostName, SharedAccessKeyName and SharedAccessKey", provider.ErrBadCredential)
	}
	key, err := base64.StdEncoding.DecodeString(rawKey)
	if err != nil {
		return c, fmt.Errorf("%w: azure shared access key is not base64: %v", provider.ErrBadCredential, err)
	}
	c.Key = key
	return c, nil
}

// sasToken signs "<url-encoded host>\n<expiry>" with the shared access key.
func (c connectionString) sasToken(expiry time.Time) string {
	resource := url.QueryEscape(c.HostName)
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, c.Key)
	mac.Write([]byte(resource + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s&skn=%s",
		resource, url.QueryEscape(sig), se, url.QueryEscape(c.KeyName))
}
