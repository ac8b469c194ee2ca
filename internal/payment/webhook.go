package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/go-faster/jx"
)

// Notification is a raw provider callback.
type Notification struct {
	Topic string
	ID    string
}

// ParseNotification extracts topic and id from the query string, falling back
// to a JSON body shaped {"type"|"topic": ..., "data": {"id": ...}} or
// {"topic": ..., "id": ...}. Malformed input yields empty fields, never an
// error.
func ParseNotification(query url.Values, body []byte) Notification {
	n := Notification{
		Topic: firstNonEmpty(query.Get("topic"), query.Get("type")),
		ID:    firstNonEmpty(query.Get("id"), query.Get("data.id")),
	}
	if n.Topic != "" && n.ID != "" {
		return n
	}
	if len(body) == 0 || !jx.Valid(body) {
		return n
	}

	var topic, typ, id, dataID string
	_ = jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "topic":
			topic, err = readString(d)
		case "type":
			typ, err = readString(d)
		case "id":
			id, err = readID(d)
		case "data":
			if d.Next() != jx.Object {
				return d.Skip()
			}
			err = d.Obj(func(d *jx.Decoder, key string) error {
				if key != "id" {
					return d.Skip()
				}
				var err error
				dataID, err = readID(d)
				return err
			})
		default:
			err = d.Skip()
		}
		return err
	})

	if n.Topic == "" {
		n.Topic = firstNonEmpty(topic, typ)
	}
	if n.ID == "" {
		n.ID = firstNonEmpty(dataID, id)
	}
	return n
}

// Sign returns the hex HMAC-SHA256 of the notification id under secret.
func Sign(secret, id string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate reports whether signature matches the notification id. An
// empty secret disables the check.
func Authenticate(secret, id, signature string) bool {
	if secret == "" {
		return true
	}
	got, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(signature, "sha256=")))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, id))
	return hmac.Equal(got, want)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
