package dispatch

import (
	"github.com/go-viper/mapstructure/v2"

	mcperrors "mcp-resource-server/internal/errors"
)

// Typed argument shapes, one per tool family. Arguments are validated
// against the tool schema before they are decoded into these.

type ReadArgs struct {
	Path     string `mapstructure:"path"`
	Encoding string `mapstructure:"encoding"`
}

type WriteArgs struct {
	Path     string `mapstructure:"path"`
	Content  string `mapstructure:"content"`
	Encoding string `mapstructure:"encoding"`
}

type PathArgs struct {
	Path string `mapstructure:"path"`
}

type ListArgs struct {
	Path      string `mapstructure:"path"`
	Recursive bool   `mapstructure:"recursive"`
}

type MemoryStoreArgs struct {
	Key   string      `mapstructure:"key"`
	Value interface{} `mapstructure:"value"`
	TTL   int64       `mapstructure:"ttl"`
}

type KeyArgs struct {
	Key string `mapstructure:"key"`
}

type NoArgs struct{}

func decode[T any](args map[string]interface{}) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &out,
		ErrorUnused: true,
		TagName:     "mapstructure",
	})
	if err != nil {
		return out, mcperrors.Wrap(mcperrors.KindInternal, err, "failed to build argument decoder")
	}
	if err := dec.Decode(args); err != nil {
		return out, mcperrors.Wrap(mcperrors.KindInvalidArguments, err, "invalid arguments")
	}
	return out, nil
}

func requireKey(key string) error {
	if key == "" {
		return mcperrors.InvalidArgument("key", "must not be empty")
	}
	return nil
}
