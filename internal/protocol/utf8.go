package protocol

import (
	"encoding/base64"
	"fmt"
	"unicode/utf8"
)

// EncodingBase64 marks an input payload whose data is base64 of raw bytes.
const EncodingBase64 = "base64"

// SplitUTF8 holds back an incomplete multi-byte sequence at the end of b
// so a character split across reads can be completed by the next one.
func SplitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], append([]byte(nil), b[i:]...)
	}
	return b, nil
}

// InputFromBytes builds an input payload for raw keystrokes. Valid UTF-8
// travels as text; anything else is base64 so no byte is lost.
func InputFromBytes(b []byte) InputPayload {
	if utf8.Valid(b) {
		return InputPayload{Data: string(b)}
	}
	return InputPayload{Data: base64.StdEncoding.EncodeToString(b), Encoding: EncodingBase64}
}

// Bytes returns the raw keystrokes carried by p.
func (p InputPayload) Bytes() ([]byte, error) {
	switch p.Encoding {
	case "":
		return []byte(p.Data), nil
	case EncodingBase64:
		b, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return nil, fmt.Errorf("decode base64 input: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown input encoding %q", p.Encoding)
}
