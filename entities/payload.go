package entities

import "encoding/json"

// Audience is the "aud" claim. Marshals as a plain string when it holds a
// single entry, as the OIDC core spec permits.
type Audience []string

func (a Audience) Contains(aud string) bool {
	for _, e := range a {
		if aud == e {
			return true
		}
	}
	return false
}

func (a Audience) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

func (a *Audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Audience{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*a = many
	return nil
}

// Payload is the claim set carried by access tokens and stored alongside
// refresh sessions. Responsibility binds the token to the domain it was
// issued for; see tokens.ResponsibilityFor.
type Payload struct {
	Issuer         string   `json:"iss"`
	Subject        string   `json:"sub"`
	Audience       Audience `json:"aud,omitempty"`
	Expiry         int64    `json:"exp"`
	IssuedAt       int64    `json:"iat"`
	AuthTime       int64    `json:"auth_time,omitempty"`
	Tenant         string   `json:"tenant"`
	Responsibility string   `json:"responsibility,omitempty"`
	Role           string   `json:"role,omitempty"`
	User           string   `json:"user,omitempty"`
	Profile        *Profile `json:"profile,omitempty"`
}
