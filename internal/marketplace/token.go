package marketplace

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/marketlink/connect-console/internal/db/models"
)

// Token is the token endpoint's JSON answer.
type Token struct {
	AccessToken  string     `json:"access_token"`
	TokenType    string     `json:"token_type"`
	ExpiresIn    int64      `json:"expires_in"`
	Scope        string     `json:"scope"`
	UserID       FlexibleID `json:"user_id"`
	RefreshToken string     `json:"refresh_token"`
}

// TokenSet converts the answer into the stored credential pair. The expiry is
// derived from expires_in relative to now.
func (t *Token) TokenSet(now time.Time) models.TokenSet {
	set := models.TokenSet{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken}
	if t.ExpiresIn > 0 {
		exp := now.Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
		set.ExpiresAt = &exp
	}
	return set
}

// FlexibleID decodes an id the marketplace may send as a JSON number or string.
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*f = FlexibleID(strconv.FormatInt(i, 10))
		return nil
	}
	*f = FlexibleID(n.String())
	return nil
}

func (f FlexibleID) String() string { return string(f) }
