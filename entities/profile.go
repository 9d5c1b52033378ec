package entities

import (
	"encoding/json"
	"errors"
)

// ProfileKind enumerates the JSON shapes a profile value can take.
type ProfileKind int

const (
	ProfileNull ProfileKind = iota
	ProfileBool
	ProfileNumber
	ProfileString
	ProfileArray
	ProfileObject
)

// Profile is a dynamic JSON value attached to a payload by a provider script.
// It round-trips arbitrary JSON (null, bool, number, string, array, object)
// and offers typed accessors.
type Profile struct {
	value interface{}
}

// NewProfile wraps an already-decoded JSON value. Maps must be
// map[string]interface{}, slices []interface{}, numbers float64.
func NewProfile(v interface{}) *Profile {
	return &Profile{value: v}
}

func (p *Profile) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	p.value = v
	return nil
}

func (p Profile) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.value)
}

func (p *Profile) Kind() ProfileKind {
	if p == nil {
		return ProfileNull
	}
	switch p.value.(type) {
	case nil:
		return ProfileNull
	case bool:
		return ProfileBool
	case float64:
		return ProfileNumber
	case string:
		return ProfileString
	case []interface{}:
		return ProfileArray
	case map[string]interface{}:
		return ProfileObject
	}
	return ProfileNull
}

func (p *Profile) IsNull() bool { return p.Kind() == ProfileNull }

func (p *Profile) String() (string, bool) {
	s, ok := p.value.(string)
	return s, ok
}

func (p *Profile) Number() (float64, bool) {
	n, ok := p.value.(float64)
	return n, ok
}

func (p *Profile) Bool() (bool, bool) {
	b, ok := p.value.(bool)
	return b, ok
}

// Items returns the array elements, each wrapped as a Profile.
func (p *Profile) Items() ([]*Profile, bool) {
	arr, ok := p.value.([]interface{})
	if !ok {
		return nil, false
	}
	items := make([]*Profile, len(arr))
	for i, v := range arr {
		items[i] = &Profile{value: v}
	}
	return items, true
}

// Field returns the named object member.
func (p *Profile) Field(name string) (*Profile, bool) {
	obj, ok := p.value.(map[string]interface{})
	if !ok {
		return nil, false
	}
	v, ok := obj[name]
	if !ok {
		return nil, false
	}
	return &Profile{value: v}, true
}

// Fields returns all object members.
func (p *Profile) Fields() (map[string]*Profile, bool) {
	obj, ok := p.value.(map[string]interface{})
	if !ok {
		return nil, false
	}
	fields := make(map[string]*Profile, len(obj))
	for k, v := range obj {
		fields[k] = &Profile{value: v}
	}
	return fields, true
}

// Value returns the raw decoded JSON value.
func (p *Profile) Value() interface{} {
	if p == nil {
		return nil
	}
	return p.value
}

var errNotAnObject = errors.New("profile is not an object")

// StringField is a convenience accessor for a string-typed object member.
func (p *Profile) StringField(name string) (string, error) {
	f, ok := p.Field(name)
	if !ok {
		return "", errNotAnObject
	}
	s, ok := f.String()
	if !ok {
		return "", errNotAnObject
	}
	return s, nil
}
