package sandbox

import (
	"encoding/base64"
	"unicode/utf8"

	mcperrors "mcp-resource-server/internal/errors"
)

// Content encodings accepted on the wire.
const (
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"
)

// EncodeContent renders raw bytes for a response. With no preference,
// valid UTF-8 is returned as text and anything else as base64.
func EncodeContent(data []byte, preferred string) (string, string, error) {
	switch preferred {
	case EncodingBase64:
		return base64.StdEncoding.EncodeToString(data), EncodingBase64, nil
	case EncodingUTF8:
		if !utf8.Valid(data) {
			return "", "", mcperrors.InvalidArgument("encoding", "file content is not valid utf-8")
		}
		return string(data), EncodingUTF8, nil
	case "":
		if utf8.Valid(data) {
			return string(data), EncodingUTF8, nil
		}
		return base64.StdEncoding.EncodeToString(data), EncodingBase64, nil
	default:
		return "", "", mcperrors.InvalidArgument("encoding", "must be utf-8 or base64")
	}
}

// DecodeContent turns request content into raw bytes.
func DecodeContent(content, encoding string) ([]byte, error) {
	switch encoding {
	case "", EncodingUTF8:
		return []byte(content), nil
	case EncodingBase64:
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, mcperrors.InvalidArgument("content", "invalid base64 data")
		}
		return data, nil
	default:
		return nil, mcperrors.InvalidArgument("encoding", "must be utf-8 or base64")
	}
}
