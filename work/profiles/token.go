package profiles

import (
	"encoding/base64"
	"strings"
)

const (
	profileKey = "DLNA.ORG_PN="

	// streaming, background and stalling transfer modes with DLNA 1.5
	dlnaFlags = "01700000000000000000000000000000"
)

// ContentFeatures renders the DLNA content features of p. seekable sets the
// time seek operation bit.
func ContentFeatures(p DeliveryProfile, seekable bool) string {
	op := "00"
	if seekable {
		op = "10"
	}
	var b strings.Builder
	if p.Name != "" {
		b.WriteString(profileKey)
		b.WriteString(p.Name)
		b.WriteByte(';')
	}
	b.WriteString("DLNA.ORG_PS=0;DLNA.ORG_CI=1;DLNA.ORG_OP=")
	b.WriteString(op)
	b.WriteString(";DLNA.ORG_FLAGS=")
	b.WriteString(dlnaFlags)
	return b.String()
}

// ProtocolInfo renders the res@protocolInfo value for p.
func ProtocolInfo(p DeliveryProfile, seekable bool) string {
	return "http-get:*:" + p.MimeType + ":" + ContentFeatures(p, seekable)
}

// Token is the URL-safe form of the content features of p, embedded in
// playback URLs.
func Token(p DeliveryProfile) string {
	return base64.RawURLEncoding.EncodeToString([]byte(ContentFeatures(p, false)))
}

// profileName extracts the DLNA.ORG_PN value from content features.
func profileName(features string) (string, bool) {
	i := strings.Index(features, profileKey)
	if i < 0 {
		return "", false
	}
	name := features[i+len(profileKey):]
	if end := strings.IndexByte(name, ';'); end >= 0 {
		name = name[:end]
	}
	return name, name != ""
}

// ProfileByToken resolves the enabled profile named by a token. Declared but
// disabled profiles do not resolve; Lookup still finds them. Both the encoded
// token and raw content features are accepted.
func (c *Catalog) ProfileByToken(token string) (DeliveryProfile, bool) {
	features := token
	if !strings.Contains(token, profileKey) {
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
		if err != nil {
			return DeliveryProfile{}, false
		}
		features = string(raw)
	}

	name, ok := profileName(features)
	if !ok {
		return DeliveryProfile{}, false
	}
	p, ok := c.enabledBy[name]
	return p, ok
}
