package domain

import (
	"encoding/base32"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// AddressFormat selects which wallet address syntax role addresses must follow.
type AddressFormat string

const (
	AddressFormatStellar AddressFormat = "stellar"
	AddressFormatEVM     AddressFormat = "evm"
)

const (
	stellarAccountVersion = 6 << 3 // 'G'
	stellarPayloadLen     = 32
	stellarEncodedLen     = 56
)

var strkeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ValidAddress reports whether addr is syntactically valid for the format.
func (f AddressFormat) ValidAddress(addr string) bool {
	switch f {
	case AddressFormatEVM:
		return common.IsHexAddress(addr)
	default:
		return IsStellarAddress(addr)
	}
}

// ParseAddressFormat falls back to stellar for unknown values.
func ParseAddressFormat(value string) AddressFormat {
	if AddressFormat(value) == AddressFormatEVM {
		return AddressFormatEVM
	}
	return AddressFormatStellar
}

// IsStellarAddress validates a G... account strkey including its checksum.
func IsStellarAddress(addr string) bool {
	if len(addr) != stellarEncodedLen {
		return false
	}
	raw, err := strkeyEncoding.DecodeString(addr)
	if err != nil || len(raw) != 1+stellarPayloadLen+2 {
		return false
	}
	if raw[0] != stellarAccountVersion {
		return false
	}
	body := raw[:1+stellarPayloadLen]
	want := binary.LittleEndian.Uint16(raw[1+stellarPayloadLen:])
	return crc16XModem(body) == want
}

// EncodeStellarAddress renders an ed25519 public key as a G... strkey.
func EncodeStellarAddress(key [32]byte) string {
	buf := make([]byte, 0, 1+stellarPayloadLen+2)
	buf = append(buf, stellarAccountVersion)
	buf = append(buf, key[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, crc16XModem(buf))
	return strkeyEncoding.EncodeToString(buf)
}

func crc16XModem(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
