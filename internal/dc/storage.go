package dc

// Storage is the collaborator that persists negotiated transport state.
// The transport consumes and publishes keys and salts through it; it does
// not touch disk itself.
type Storage interface {
	// SaveAuthKey persists the permanent auth key of a DC.
	SaveAuthKey(dcID int32, key [256]byte, keyID int64) error

	// LoadAuthKey restores the permanent auth key of a DC. ok is false
	// when no key is stored.
	LoadAuthKey(dcID int32) (key [256]byte, keyID int64, ok bool, err error)

	// SaveSalt persists the current server salt of a DC.
	SaveSalt(dcID int32, salt int64) error

	// SaveEndpoints persists the main endpoint list of a DC.
	SaveEndpoints(dcID int32, ipv6 bool, endpoints []Endpoint) error
}

// NopStorage discards everything and restores nothing.
type NopStorage struct{}

func (NopStorage) SaveAuthKey(int32, [256]byte, int64) error { return nil }

func (NopStorage) LoadAuthKey(int32) ([256]byte, int64, bool, error) {
	return [256]byte{}, 0, false, nil
}

func (NopStorage) SaveSalt(int32, int64) error { return nil }

func (NopStorage) SaveEndpoints(int32, bool, []Endpoint) error { return nil }
