package orgkey

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"github.com/jmcleod/ironca/internal/util"
)

// ErrNoMasterKey is returned when neither a hex value nor a key file is configured.
var ErrNoMasterKey = errors.New("no master key configured")

// LoadMasterKey reads the master key from hexValue, or when that is empty
// from the hex-encoded file at path on fs.
func LoadMasterKey(fs afero.Fs, hexValue, path string) ([]byte, error) {
	if hexValue == "" && path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("reading master key file: %w", err)
		}
		defer util.WipeBytes(data)
		hexValue = string(data)
	}
	hexValue = strings.TrimSpace(hexValue)
	if hexValue == "" {
		return nil, ErrNoMasterKey
	}

	raw, err := util.HexDecodeN(hexValue, util.AESKeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMasterKey, err)
	}
	return raw, nil
}

// GenerateMasterKey returns a new random master key, hex encoded.
func GenerateMasterKey() (string, error) {
	raw, err := util.NewAESKey()
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(raw)
	return util.HexEncode(raw), nil
}
