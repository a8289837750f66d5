package dispatch

import (
	"context"
	"math"
	"time"

	"mcp-resource-server/internal/sandbox"
)

// ReadResult is returned by read.
type ReadResult struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
}

type DeleteResult struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

type ListResult struct {
	Path  string          `json:"path"`
	Items []sandbox.Entry `json:"items"`
	Count int             `json:"count"`
}

type ExistsResult struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Kind   string `json:"kind,omitempty"`
}

type MemoryStoreResult struct {
	Key       string `json:"key"`
	Stored    bool   `json:"stored"`
	TTL       int64  `json:"ttl"`
	Size      int64  `json:"size"`
	ExpiresAt string `json:"expires_at"`
	Evicted   int    `json:"evicted,omitempty"`
}

type MemoryRetrieveResult struct {
	Key          string      `json:"key"`
	Value        interface{} `json:"value"`
	TTLRemaining int64       `json:"ttl_remaining"`
}

type MemoryDeleteResult struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

type MemoryClearResult struct {
	ClearedCount int `json:"cleared_count"`
}

type MemoryExistsResult struct {
	Key    string `json:"key"`
	Exists bool   `json:"exists"`
}

// handler runs a validated tool call.
type handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

func (d *Dispatcher) routes() map[string]handler {
	return map[string]handler{
		ToolRead:           d.read,
		ToolWrite:          d.write,
		ToolDelete:         d.delete,
		ToolList:           d.list,
		ToolMkdir:          d.mkdir,
		ToolExists:         d.exists,
		ToolMemoryStore:    d.memoryStore,
		ToolMemoryRetrieve: d.memoryRetrieve,
		ToolMemoryDelete:   d.memoryDelete,
		ToolMemoryClear:    d.memoryClear,
		ToolMemoryExists:   d.memoryExists,
		ToolMemoryStats:    d.memoryStats,
	}
}

func (d *Dispatcher) read(ctx context.Context, raw map[string]interface{}) (interface{}, error) {
	args, err := decode[ReadArgs](raw)
	if err != nil {
		return nil, err
	}
	file, err := d.files.Read(ctx, args.Path)
	if err != nil {
		return nil, err
	}
	content, encoding, err := sandbox.EncodeContent(file.Data, args.Encoding)
	if err != nil {
		return nil, err
	}
	return &ReadResult{
		Path:     file.Path,
		Content:  content,
		Encoding: encoding,
		Size:     file.Size,
		Modified: file.Modified.UTC().Format(time.RFC3339),
	}, nil
}

func (d *Dispatcher) write(ctx context.Context, raw map[string]interface{}) (interface{}, error) {
	args, err := decode[WriteArgs](raw)
	if err != nil {
		return nil, err
	}
	data, err := sandbox.DecodeContent(args.Content, args.Encoding)
	if err != nil {
		return nil, err
	}
	return d.files.Write(ctx, args.Path, data)
}

func (d *Dispatcher) delete(ctx context.Context, raw map[string]interface{}) (interface{}, error) {
	args, err := decode[PathArgs](raw)
	if err != nil {
		return nil, err
	}
	if err := d.files.Delete(ctx, args.Path); err != nil {
		return nil, err
	}
	return &DeleteResult{Path: args.Path, Message: "File deleted successfully"}, nil
}

func (d *Dispatcher) list(ctx context.Context, raw map[string]interface{}) (interface{}, error) {
	args, err := decode[ListArgs](raw)
	if err != nil {
		return nil, err
	}
	items, err := d.files.List(ctx, args.Path, args.Recursive)
	if err != nil {
		return nil, err
	}
	p := args.Path
	if p == "" {
		p = "."
	}
	return &ListResult{Path: p, Items: items, Count: len(items)}, nil
}

func (d *Dispatcher) mkdir(ctx context.Context, raw map[string]interface{}) (interface{}, error) {
	args, err := decode[PathArgs](raw)
	if err != nil {
		return nil, err
	}
	return d.files.Mkdir(ctx, args.Path)
}

func (d *Dispatcher) exists(ctx context.Context, raw map[string]interface{}) (interface{}, error) {
	args, err := decode[PathArgs](raw)
	if err != nil {
		return nil, err
	}
	ok, entry, err := d.files.Exists(ctx, args.Path)
	if err != nil {
		return nil, err
	}
	res := &ExistsResult{Path: args.Path, Exists: ok}
	if entry != nil {
		res.Kind = entry.Type
	}
	return res, nil
}

func (d *Dispatcher) memoryStore(ctx context.Context, raw map[string]interface{}) (interface{}, error) {
	args, err := decode[MemoryStoreArgs](raw)
	if err != nil {
		return nil, err
	}
	if err := requireKey(args.Key); err != nil {
		return nil, err
	}

	res, err := d.memory.Store(ctx, args.Key, args.Value, time.Duration(args.TTL)*time.Second)
	if err != nil {
		return nil, err
	}
	return &MemoryStoreResult{
		Key:       res.Key,
		Stored:    true,
		TTL:       int64(res.TTL / time.Second),
		Size:      res.Size,
		ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
		Evicted:   res.Evicted,
	}, nil
}

func (d *Dispatcher) memoryRetrieve(ctx context.Context, raw map[string]interface{}) (interface{}, error) {
	args, err := decode[KeyArgs](raw)
	if err != nil {
		return nil, err
	}
	if err := requireKey(args.Key); err != nil {
		return nil, err
	}

	entry, err := d.memory.Retrieve(ctx, args.Key)
	if err != nil {
		return nil, err
	}
	return &MemoryRetrieveResult{
		Key:          entry.Key,
		Value:        entry.Value,
		TTLRemaining: ceilSeconds(entry.TTLRemaining),
	}, nil
}

func (d *Dispatcher) memoryDelete(ctx context.Context, raw map[string]interface{}) (interface{}, error) {
	args, err := decode[KeyArgs](raw)
	if err != nil {
		return nil, err
	}
	if err := requireKey(args.Key); err != nil {
		return nil, err
	}
	if err := d.memory.Delete(ctx, args.Key); err != nil {
		return nil, err
	}
	return &MemoryDeleteResult{Key: args.Key, Message: "Key deleted successfully"}, nil
}

func (d *Dispatcher) memoryClear(ctx context.Context, raw map[string]interface{}) (interface{}, error) {
	if _, err := decode[NoArgs](raw); err != nil {
		return nil, err
	}
	return &MemoryClearResult{ClearedCount: d.memory.Clear(ctx)}, nil
}

func (d *Dispatcher) memoryExists(ctx context.Context, raw map[string]interface{}) (interface{}, error) {
	args, err := decode[KeyArgs](raw)
	if err != nil {
		return nil, err
	}
	if err := requireKey(args.Key); err != nil {
		return nil, err
	}
	ok, err := d.memory.Exists(ctx, args.Key)
	if err != nil {
		return nil, err
	}
	return &MemoryExistsResult{Key: args.Key, Exists: ok}, nil
}

func (d *Dispatcher) memoryStats(_ context.Context, raw map[string]interface{}) (interface{}, error) {
	if _, err := decode[NoArgs](raw); err != nil {
		return nil, err
	}
	stats := d.memory.Stats()
	return &stats, nil
}

func ceilSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}
