// Package icrypto builds the additional authenticated data that binds every
// sealed secret to the record it belongs to.
package icrypto

import (
	"encoding/binary"
)

const (
	aadOrgKeyWrap = "ORGKEYWRAP"
	aadPassword   = "PASSWORD"
	aadKeyStore   = "KEYSTORE"
	aadDownload   = "DOWNLOAD"
)

// AADOrgKeyWrap binds a wrapped organization key to its organization and to
// the key's own ID. It does not name the wrapping master key, so a wrap keeps
// the same AAD across master-key rotation.
func AADOrgKeyWrap(organization, keyID string, ver int) []byte {
	return buildAAD(aadOrgKeyWrap, organization, keyID, ver)
}

// AADPassword binds an encrypted password blob to its kind (key-store or
// entry), the certificate serial and the owning organization.
func AADPassword(kind, serial, organization string, ver int) []byte {
	return buildAAD(aadPassword, kind, serial, organization, ver)
}

func AADKeyStore(serial string, ver int) []byte {
	return buildAAD(aadKeyStore, serial, ver)
}

func AADDownload(requestID, certificateID string, ver int) []byte {
	return buildAAD(aadDownload, requestID, certificateID, ver)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, v)
			res = append(res, b...)
		case int:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v))
			res = append(res, b...)
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(data)))
	b = append(b, l...)
	b = append(b, data...)
	return b
}
