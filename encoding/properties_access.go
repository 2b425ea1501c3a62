package encoding

// Uint32 returns a four-byte-integer property's value, such as
// MessageExpiryInterval or SessionExpiryInterval.
func (p *Properties) Uint32(id PropertyID) (uint32, bool) {
	prop := p.GetProperty(id)
	if prop == nil {
		return 0, false
	}
	v, ok := prop.Value.(uint32)
	return v, ok
}

// String returns a UTF-8 string property's value, such as
// AuthenticationMethod.
func (p *Properties) String(id PropertyID) (string, bool) {
	prop := p.GetProperty(id)
	if prop == nil {
		return "", false
	}
	v, ok := prop.Value.(string)
	return v, ok
}

// Bytes returns a binary-data property's value, such as
// AuthenticationData.
func (p *Properties) Bytes(id PropertyID) ([]byte, bool) {
	prop := p.GetProperty(id)
	if prop == nil {
		return nil, false
	}
	v, ok := prop.Value.([]byte)
	return v, ok
}

// ToMap flattens the property list into the loosely-typed map form
// used by message.Message and the hook package, keyed by each
// property's name (e.g. "MessageExpiryInterval").
func (p *Properties) ToMap() map[string]interface{} {
	m := make(map[string]interface{}, len(p.Properties))
	for _, prop := range p.Properties {
		m[prop.ID.String()] = prop.Value
	}
	return m
}
